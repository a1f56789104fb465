package main

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/jpillora/requestlog"
	"github.com/launchdarkly/go-sdk-common/v3/ldlog"

	"lds.li/netpipe/httpkit"
	"lds.li/netpipe/logging"
	"lds.li/netpipe/proxyauth"
	"lds.li/netpipe/service"
)

// apiService answers requests for the hijacked domain instead of proxying
// them.
func apiService(loggers ldlog.Loggers) service.Service[*http.Request, *http.Response] {
	r := mux.NewRouter()
	r.HandleFunc("/lucky/{number}", luckyNumber).Methods(http.MethodPost)
	r.PathPrefix("/").HandlerFunc(echoRequest).Methods(http.MethodGet)

	opts := requestlog.DefaultOptions
	opts.Writer = logging.NewStdLogger(loggers, ldlog.Info).Writer()
	return httpkit.HandlerService(requestlog.WrapWith(r, opts))
}

func luckyNumber(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.ParseUint(mux.Vars(r)["number"], 10, 32)
	if err != nil {
		http.Error(w, "number must be a non-negative integer", http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]any{"lucky_number": n})
}

func echoRequest(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"method": r.Method,
		"path":   r.URL.Path,
		"filter": nil,
		"user":   nil,
	}
	if sc, ok := httpkit.ServiceContext(r.Context()); ok {
		if f, ok := service.Get[*proxyauth.Filter](sc.Extensions()); ok {
			body["filter"] = f
		}
		if u, ok := service.Get[proxyauth.User](sc.Extensions()); ok {
			body["user"] = u.Name
		}
		if id, ok := service.Get[httpkit.RequestID](sc.Extensions()); ok {
			body["request_id"] = string(id)
		}
	}
	writeJSON(w, body)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
