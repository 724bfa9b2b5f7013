package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/goldfish-inc/oceanid/groundtruth-stager/internal/detection"
	"github.com/goldfish-inc/oceanid/groundtruth-stager/internal/indexing"
)

// maxImageBytes bounds uploaded and fetched diagram images.
const maxImageBytes = 10 << 20

// outbox is the write side of the diagram feed.
type outbox interface {
	Enqueue(ctx context.Context, d indexing.Diagram) (string, error)
	Ping(ctx context.Context) error
}

// analyzer detects services in a diagram image.
type analyzer interface {
	Analyze(ctx context.Context, image []byte) (detection.Result, error)
}

// IngestPayload for /ingest endpoint
type IngestPayload struct {
	OriginURL       string   `json:"origin_url"`
	Title           string   `json:"title"`
	ArchitectureURL string   `json:"architecture_url"`
	PublishDate     string   `json:"publish_date"`
	Crawler         string   `json:"crawler"`
	Labels          []string `json:"labels"`
	TextServices    []string `json:"text_services"`
}

// diagram validates the payload and converts it.
func (p IngestPayload) diagram() (indexing.Diagram, error) {
	if strings.TrimSpace(p.OriginURL) == "" {
		return indexing.Diagram{}, fmt.Errorf("origin_url is required")
	}

	published, err := parsePublishDate(p.PublishDate)
	if err != nil {
		return indexing.Diagram{}, err
	}

	return indexing.Diagram{
		OriginURL:       p.OriginURL,
		Title:           p.Title,
		ArchitectureURL: p.ArchitectureURL,
		PublishedAt:     published,
		CrawlerText:     p.Crawler,
		Labels:          p.Labels,
		TextServices:    p.TextServices,
	}, nil
}

func parsePublishDate(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("publish_date is required")
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("publish_date %q is not a recognized date", value)
}

// DetectPayload for /detect endpoint. Exactly one of URL or Byte is set;
// Byte is a data URL ("data:image/png;base64,...").
type DetectPayload struct {
	URL  string `json:"url"`
	Byte string `json:"byte"`
}

func newMux(store outbox, a analyzer) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandler(store))
	mux.HandleFunc("/ingest", ingestHandler(store))
	if a != nil {
		mux.HandleFunc("/detect", detectHandler(a, &http.Client{Timeout: 30 * time.Second}))
	}
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func healthHandler(store outbox) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		w.Header().Set("Content-Type", "application/json")
		if err := store.Ping(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"status": "unhealthy",
				"error":  err.Error(),
			})
			return
		}

		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":    "healthy",
			"timestamp": time.Now().Format(time.RFC3339),
		})
	}
}

func ingestHandler(store outbox) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var payload IngestPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, "Invalid JSON", http.StatusBadRequest)
			return
		}

		d, err := payload.diagram()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		eventID, err := store.Enqueue(r.Context(), d)
		if err != nil {
			log.Printf("Failed to enqueue diagram %s: %v", d.OriginURL, err)
			http.Error(w, "Failed to enqueue", http.StatusInternalServerError)
			return
		}

		log.Printf("Ingest received: origin=%s, labels=%d, services=%d, event=%s",
			d.OriginURL, len(d.Labels), len(d.TextServices), eventID)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":   "queued",
			"event_id": eventID,
		})
	}
}

func detectHandler(a analyzer, client *http.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var payload DetectPayload
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 2*maxImageBytes)).Decode(&payload); err != nil {
			http.Error(w, "Invalid JSON", http.StatusBadRequest)
			return
		}

		image, err := loadImage(r.Context(), client, payload)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		result, err := a.Analyze(r.Context(), image)
		if err != nil {
			log.Printf("Detection failed: %v", err)
			http.Error(w, "Detection failed", http.StatusBadGateway)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(result)
	}
}

// loadImage returns the image bytes named by the payload.
func loadImage(ctx context.Context, client *http.Client, p DetectPayload) ([]byte, error) {
	switch {
	case p.URL != "":
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
		if err != nil {
			return nil, fmt.Errorf("invalid url: %w", err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch %s: %w", p.URL, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("failed to fetch %s: status %d", p.URL, resp.StatusCode)
		}
		image, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", p.URL, err)
		}
		if len(image) > maxImageBytes {
			return nil, fmt.Errorf("image at %s is larger than %d bytes", p.URL, maxImageBytes)
		}
		return image, nil

	case p.Byte != "":
		_, encoded, ok := strings.Cut(p.Byte, "base64,")
		if !ok {
			return nil, fmt.Errorf("byte must be a base64 data URL")
		}
		image, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("invalid base64 image: %w", err)
		}
		return image, nil
	}
	return nil, fmt.Errorf("url or byte is required")
}
