package server

import (
	"encoding/json"
	"net/http"

	"github.com/invopop/jsonschema"
	"github.com/webstreams/webstreams-go/router"
)

// The introspection document lists every registered route with JSON Schemas
// for body parameters and stream element types, reflected once at build.

type introspectionDoc struct {
	Routes []routeDoc `json:"routes"`
}

type routeDoc struct {
	Path      string     `json:"path"`
	HasBody   bool       `json:"hasBody,omitempty"`
	PlainHTTP bool       `json:"plainHttp,omitempty"`
	Params    []paramDoc `json:"params,omitempty"`
}

type paramDoc struct {
	Name   string             `json:"name"`
	Kind   string             `json:"kind"`
	Type   string             `json:"type,omitempty"`
	Schema *jsonschema.Schema `json:"schema,omitempty"`
}

func buildIntrospectionDoc(reg *router.Registry) ([]byte, error) {
	reflector := &jsonschema.Reflector{DoNotReference: true}
	doc := introspectionDoc{}
	for _, route := range reg.Routes() {
		rd := routeDoc{Path: route.Path, HasBody: route.HasBody, PlainHTTP: route.PlainHTTP}
		for _, p := range route.Params {
			pd := paramDoc{Name: p.Name, Kind: string(p.Kind)}
			if p.Type != nil {
				pd.Type = p.Type.String()
				if p.Kind == router.ParamBody || p.Kind == router.ParamStream {
					pd.Schema = reflector.ReflectFromType(p.Type)
				}
			}
			rd.Params = append(rd.Params, pd)
		}
		doc.Routes = append(doc.Routes, rd)
	}
	return json.Marshal(doc)
}

func (h *Handler) serveIntrospection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", jsonMediaType.String())
	_, _ = w.Write(h.introspectDoc)
}
