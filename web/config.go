package web

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/jnb666/deepanomaly/nnet"
)

type ConfigPage struct {
	*Templates
	Fields []Field
	Layers []Layer
	run    *Runner
	sync.Mutex
}

type Field struct {
	Name    string
	Value   string
	Error   string
	Boolean bool
	On      bool
}

type Layer struct {
	Stack string
	Index int
	Desc  string
}

// Base data for handler functions to view and update the run config
func NewConfigPage(t *Templates, run *Runner) *ConfigPage {
	p := &ConfigPage{run: run}
	p.Templates = t.Select("/config")
	p.AddOption(Link{Name: "save", Url: "/config/save", Submit: true})
	p.AddOption(Link{Name: "reset", Url: "/config/reset"})
	run.Lock()
	p.Fields = getFields(run.Conf)
	p.Layers = getLayers(run.Conf)
	run.Unlock()
	return p
}

// Handler function for the config template
func (p *ConfigPage) Base() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		p.Lock()
		defer p.Unlock()
		p.Exec(w, "config", p)
	}
}

// Handler function for the config form save action. The new settings are only applied if they are
// all valid and no run is in progress.
func (p *ConfigPage) Save() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		p.Lock()
		defer p.Unlock()
		if err := r.ParseForm(); err != nil {
			logError(w, err)
			return
		}
		p.run.Lock()
		defer p.run.Unlock()
		haveErrors := false
		conf := p.run.Conf
		for i, fld := range p.Fields {
			val := r.Form.Get(fld.Name)
			var err error
			if fld.Boolean {
				p.Fields[i].On = (val == "true")
				conf, err = conf.SetBool(fld.Name, p.Fields[i].On)
			} else {
				p.Fields[i].Value = val
				conf, err = conf.SetString(fld.Name, val)
			}
			p.Fields[i].Error = ""
			if err != nil {
				p.Fields[i].Error = "invalid syntax"
				haveErrors = true
			}
		}
		if !haveErrors {
			if err := conf.Validate(nil); err != nil {
				p.Fields[0].Error = err.Error()
				haveErrors = true
			}
		}
		if !haveErrors && p.run.running {
			p.Fields[0].Error = "run in progress"
			haveErrors = true
		}
		if !haveErrors {
			if p.run.ConfigFile != "" {
				if err := conf.Save(p.run.ConfigFile); err != nil {
					logError(w, err)
					return
				}
			}
			slog.Info("config updated")
			p.run.Conf = conf
		}
		http.Redirect(w, r, "/config", http.StatusFound)
	}
}

// Handler function to restore the default settings
func (p *ConfigPage) Reset() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		p.Lock()
		defer p.Unlock()
		p.run.Lock()
		defer p.run.Unlock()
		if !p.run.running {
			p.run.Conf = nnet.DefaultConfig()
			p.Fields = getFields(p.run.Conf)
			p.Layers = getLayers(p.run.Conf)
		}
		http.Redirect(w, r, "/config", http.StatusFound)
	}
}

func getFields(conf nnet.Config) []Field {
	var flds []Field
	for _, key := range conf.Fields() {
		f := Field{Name: key, Value: fmt.Sprint(conf.Get(key))}
		f.On, f.Boolean = conf.Get(key).(bool)
		flds = append(flds, f)
	}
	return flds
}

func getLayers(conf nnet.Config) []Layer {
	var layers []Layer
	for _, stack := range []struct {
		name   string
		layers []nnet.LayerConfig
	}{{"encoder", conf.Encoder}, {"decoder", conf.Decoder}} {
		for i, l := range stack.layers {
			layers = append(layers, Layer{Stack: stack.name, Index: i, Desc: l.Unmarshal().ToString()})
		}
	}
	return layers
}
