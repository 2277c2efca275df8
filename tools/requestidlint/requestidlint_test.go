package requestidlint_test

import (
	"testing"

	"github.com/jamesross/imagegen-broker/tools/requestidlint"
	"golang.org/x/tools/go/analysis/analysistest"
)

func TestAnalyzer(t *testing.T) {
	analysistest.Run(t, analysistest.TestData(), requestidlint.Analyzer, "internal/httpapi/good", "internal/httpapi/bad")
}
