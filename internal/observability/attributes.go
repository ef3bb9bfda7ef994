// Package observability provides the service's OpenTelemetry metrics,
// exported in Prometheus format.
package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys
const (
	attrMethod    = "method"
	attrPath      = "path"
	attrStatus    = "status"
	attrService   = "service"
	attrJobStatus = "job_status"
	attrKind      = "kind"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	return attribute.String(attrPath, normalizePath(path))
}

func statusAttr(code int) attribute.KeyValue {
	// 200-299 -> 2xx, 400-499 -> 4xx, 500-599 -> 5xx
	return attribute.String(attrStatus, fmt.Sprintf("%dxx", code/100))
}

func serviceAttr(serviceID string) attribute.KeyValue {
	return attribute.String(attrService, serviceID)
}

func jobStatusAttr(status string) attribute.KeyValue {
	return attribute.String(attrJobStatus, status)
}

func kindAttr(kind string) attribute.KeyValue {
	return attribute.String(attrKind, kind)
}

// Routes whose trailing segments are job ids or file names.
var dynamicRoutes = []struct {
	prefix   string
	template string
}{
	{"/api/automation/status/", "/api/automation/status/{jobId}"},
	{"/api/automation/stop/", "/api/automation/stop/{jobId}"},
	{"/api/files/", "/api/files/{jobId}/{filename}"},
	{"/api/preview/", "/api/preview/{jobId}/{filename}"},
	{"/api/bundle/", "/api/bundle/{jobId}"},
}

// normalizePath replaces dynamic path segments with placeholders to keep
// label cardinality bounded.
func normalizePath(path string) string {
	for _, r := range dynamicRoutes {
		if len(path) > len(r.prefix) && strings.HasPrefix(path, r.prefix) {
			return r.template
		}
	}
	return path
}
