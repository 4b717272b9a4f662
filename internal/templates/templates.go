// Package templates holds the static template and component libraries plus the
// back-of-envelope scale estimator. Everything here is in-memory so the
// template picker works without any datastore setup.
package templates

import (
	"encoding/json"
	"math"
)

// Template is a starter layout for a new design session.
type Template struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Components  []string        `json:"components"`
	Document    json.RawMessage `json:"document"`
}

// Component is one palette entry for the design canvas.
type Component struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Category    string `json:"category"`
	Description string `json:"description"`
}

func blankDocument(templateID string) json.RawMessage {
	doc := map[string]any{
		"elements": []any{},
		"appState": map[string]any{},
		"files":    map[string]any{},
		"metadata": map[string]any{"template": templateID},
	}
	payload, _ := json.Marshal(doc)
	return payload
}

// Library returns the available session templates.
func Library() []Template {
	return []Template{
		{
			ID:          "blank",
			Name:        "Blank canvas",
			Description: "Start from scratch.",
			Components:  []string{},
			Document:    blankDocument("blank"),
		},
		{
			ID:          "web-service",
			Name:        "Web service (basic)",
			Description: "Client, load balancer, service and database with an optional cache.",
			Components:  []string{"client", "load-balancer", "service", "database", "cache"},
			Document:    blankDocument("web-service"),
		},
	}
}

// Find returns the template with the given id, if any.
func Find(id string) (Template, bool) {
	for _, t := range Library() {
		if t.ID == id {
			return t, true
		}
	}
	return Template{}, false
}

// Components returns the component palette for the design canvas.
func Components() []Component {
	return []Component{
		{ID: "client", Name: "Client", Category: "client", Description: "Browser / mobile app / SDK making requests."},
		{ID: "load-balancer", Name: "Load Balancer", Category: "load_balancer", Description: "Distributes traffic across application servers."},
		{ID: "api-gateway", Name: "API Gateway", Category: "api_gateway", Description: "Single entry point for routing, auth, and throttling."},
		{ID: "service", Name: "Service", Category: "microservice", Description: "Stateless application service (HTTP/gRPC)."},
		{ID: "cache", Name: "Cache", Category: "cache", Description: "Redis / Memcached style read-through cache."},
		{ID: "database", Name: "Database", Category: "database", Description: "Primary datastore (SQL/NoSQL)."},
		{ID: "queue", Name: "Message Queue", Category: "message_queue", Description: "Async messaging / buffering (Kafka/SQS/RabbitMQ)."},
		{ID: "cdn", Name: "CDN", Category: "cdn", Description: "Edge caching for static assets and media."},
	}
}

// ScaleEstimateRequest carries the inputs for a capacity estimate.
type ScaleEstimateRequest struct {
	QPS               float64 `json:"qps"`
	AvgRequestKB      float64 `json:"avg_request_kb"`
	AvgResponseKB     float64 `json:"avg_response_kb"`
	WritePercentage   float64 `json:"write_percentage"`
	StoragePerWriteKB float64 `json:"storage_per_write_kb"`
	RetentionDays     int     `json:"retention_days"`
	ReplicationFactor int     `json:"replication_factor"`
}

// ApplyDefaults fills the optional inputs with their conventional defaults.
func (r *ScaleEstimateRequest) ApplyDefaults() {
	if r.WritePercentage == 0 {
		r.WritePercentage = 20
	}
	if r.StoragePerWriteKB == 0 {
		r.StoragePerWriteKB = 2
	}
	if r.RetentionDays == 0 {
		r.RetentionDays = 30
	}
	if r.ReplicationFactor == 0 {
		r.ReplicationFactor = 3
	}
}

// Valid reports whether the required inputs are in range.
func (r ScaleEstimateRequest) Valid() bool {
	return r.QPS > 0 &&
		r.AvgRequestKB > 0 &&
		r.AvgResponseKB > 0 &&
		r.WritePercentage >= 0 && r.WritePercentage <= 100 &&
		r.StoragePerWriteKB > 0 &&
		r.RetentionDays > 0 &&
		r.ReplicationFactor >= 1
}

// ScaleEstimate is the computed capacity estimate.
type ScaleEstimate struct {
	InboundMbps       float64 `json:"inbound_mbps"`
	OutboundMbps      float64 `json:"outbound_mbps"`
	WritesPerDay      int64   `json:"writes_per_day"`
	StorageGBPerDay   float64 `json:"storage_gb_per_day"`
	RetainedStorageGB float64 `json:"retained_storage_gb"`
}

// EstimateScale computes bandwidth and storage figures from the request rates.
func EstimateScale(r ScaleEstimateRequest) ScaleEstimate {
	inboundMbps := (r.QPS * r.AvgRequestKB * 8) / 1024
	outboundMbps := (r.QPS * r.AvgResponseKB * 8) / 1024
	writesPerDay := int64(r.QPS * (r.WritePercentage / 100) * 86400)
	storageGBPerDay := (float64(writesPerDay) * r.StoragePerWriteKB / (1024 * 1024)) * float64(r.ReplicationFactor)
	retainedStorageGB := storageGBPerDay * float64(r.RetentionDays)

	return ScaleEstimate{
		InboundMbps:       round2(inboundMbps),
		OutboundMbps:      round2(outboundMbps),
		WritesPerDay:      writesPerDay,
		StorageGBPerDay:   round2(storageGBPerDay),
		RetainedStorageGB: round2(retainedStorageGB),
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
