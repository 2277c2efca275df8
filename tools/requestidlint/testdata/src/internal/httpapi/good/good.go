package good

import "net/http"

func writeError(w http.ResponseWriter, status int, msg string) {
	w.WriteHeader(status)
	_, _ = w.Write([]byte(msg))
}

func handleOK(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusBadRequest, "bad request")
}
