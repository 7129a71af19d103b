package handlers

import "net/http"

func enableCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

// Routes registers the API on a new mux.
func Routes(h *Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", enableCORS(h.Health))
	mux.HandleFunc("POST /api/ml/train", enableCORS(h.Train))
	mux.HandleFunc("POST /api/ml/upload", enableCORS(h.Upload))
	mux.HandleFunc("GET /api/ml/{imageName}", enableCORS(h.Classify))
	mux.HandleFunc("OPTIONS /", enableCORS(func(http.ResponseWriter, *http.Request) {}))
	return mux
}
