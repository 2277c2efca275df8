package bad

import "net/http"

func handleBad(w http.ResponseWriter, r *http.Request) {
	http.Error(w, "bad request", http.StatusBadRequest) // want "use writeError helper to ensure X-Request-ID header is set instead of http.Error"
}

func handleBadWriteHeader(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusInternalServerError) // want "use writeError helper to ensure X-Request-ID header is set instead of calling WriteHeader directly"
}
