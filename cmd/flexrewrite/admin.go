package main

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/moonkev/flexrewrite/internal/appconfig"
	"github.com/moonkev/flexrewrite/internal/rewrite"
	"github.com/moonkev/flexrewrite/internal/xds"
	goyaml "go.yaml.in/yaml/v2"
	"google.golang.org/protobuf/encoding/protojson"
)

type rewritesResponse struct {
	Output   appconfig.Output `json:"output"`
	Compress bool             `json:"compress"`
	Rewrites []rewrite.Rule   `json:"rewrites"`
}

// rewritesHandler serves the loaded record, rules in declaration order.
func rewritesHandler(record *appconfig.Record) http.Handler {
	body := rewritesResponse{
		Output:   record.Output(),
		Compress: record.Compress(),
		Rewrites: record.Rewrites().Rules(),
	}
	if body.Rewrites == nil {
		body.Rewrites = []rewrite.Rule{}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(body); err != nil {
			slog.Warn("failed to write rewrites", "error", err)
		}
	})
}

func writeConfig(w io.Writer, record *appconfig.Record) error {
	out, err := goyaml.Marshal(record.AppConfig())
	if err != nil {
		return err
	}
	_, err = w.Write(out)
	return err
}

func writeRoutes(w io.Writer, table *rewrite.Table) error {
	out, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(xds.BuildRouteConfiguration(table))
	if err != nil {
		return err
	}
	_, err = w.Write(append(out, '\n'))
	return err
}

// upstreamHosts lists the destination host names discovery should look up.
func upstreamHosts(table *rewrite.Table) []string {
	var hosts []string
	seen := make(map[string]bool)
	for _, u := range table.Upstreams() {
		if h := u.Hostname(); !seen[h] {
			seen[h] = true
			hosts = append(hosts, h)
		}
	}
	return hosts
}
