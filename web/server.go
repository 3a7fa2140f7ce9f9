package web

import (
	"net/http"

	"github.com/gorilla/mux"
)

// NewRouter sets up the page handlers for the runner.
func NewRouter(run *Runner) (*mux.Router, error) {
	t, err := NewTemplates()
	if err != nil {
		return nil, err
	}
	reportPage := NewReportPage(t.Clone(), run)
	trainPage := NewTrainPage(t.Clone(), run)
	configPage := NewConfigPage(t.Clone(), run)

	r := mux.NewRouter()
	r.Handle("/", http.RedirectHandler("/report", http.StatusFound))
	r.HandleFunc("/report", reportPage.Base())
	r.HandleFunc("/img/{set:(?:normal|abnormal|saliency)}/{kind:(?:input|output|heat)}/{id:[0-9]+}", reportPage.Image())
	r.HandleFunc("/plot/{name}", reportPage.Plot())

	r.HandleFunc("/train", trainPage.Base())
	r.HandleFunc("/train/{cmd:(?:start|stop)}", trainPage.Base())
	r.HandleFunc("/ws", trainPage.Websocket())

	r.HandleFunc("/config", configPage.Base())
	r.HandleFunc("/config/save", configPage.Save()).Methods("POST")
	r.HandleFunc("/config/reset", configPage.Reset())
	return r, nil
}
