package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/getcharzp/go-waste"
	"github.com/getcharzp/go-waste/remote"
	"go.viam.com/test"
)

func fakeServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/predict", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
			"modelVersion": "yolov8-waste-2",
			"image":        map[string]any{"width": 32, "height": 24},
			"detections": []any{
				map[string]any{"label": "plastic", "confidence": 0.91, "box": map[string]any{"x": 0.1, "y": 0.1, "width": 0.5, "height": 0.5}},
				map[string]any{"label": "compost", "confidence": 0.6},
			},
		})
	})
	mux.HandleFunc("/models", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
			"default": "yolov8",
			"models": []any{
				map[string]any{"id": "yolov8", "label": "YOLOv8 waste", "version": "2", "kind": "detector"},
				map[string]any{"id": "frcnn", "label": "Faster R-CNN"},
			},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func writePhoto(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bottle.png")
	f, err := os.Create(path)
	test.That(t, err, test.ShouldBeNil)
	defer f.Close()
	test.That(t, png.Encode(f, image.NewRGBA(image.Rect(0, 0, 32, 24))), test.ShouldBeNil)
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	app.ErrWriter = &out
	err := app.Run(append([]string{"wastescan"}, args...))
	return out.String(), err
}

func TestDetectCommand(t *testing.T) {
	srv := fakeServer(t)
	photo := writePhoto(t)
	overlay := filepath.Join(t.TempDir(), "overlay")

	out, err := run(t, "--mode", "api", "--url", srv.URL, "detect", "--overlay", overlay, photo)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out, test.ShouldContainSubstring, "yolov8-waste-2")
	test.That(t, out, test.ShouldContainSubstring, "Plastic (yellow bin)")
	test.That(t, out, test.ShouldContainSubstring, "91%")
	test.That(t, out, test.ShouldContainSubstring, "Please confirm manually")

	_, err = os.Stat(filepath.Join(overlay, "bottle_waste.jpg"))
	test.That(t, err, test.ShouldBeNil)
}

func TestDetectCommandJSON(t *testing.T) {
	srv := fakeServer(t)
	out, err := run(t, "--mode", "api", "--url", srv.URL, "detect", "--json", writePhoto(t))
	test.That(t, err, test.ShouldBeNil)

	var res waste.ModelResult
	test.That(t, json.Unmarshal([]byte(out), &res), test.ShouldBeNil)
	test.That(t, res.Image, test.ShouldResemble, waste.ImageSize{Width: 32, Height: 24})
	test.That(t, res.Detections, test.ShouldHaveLength, 2)
}

func TestDetectCommandErrors(t *testing.T) {
	_, err := run(t, "detect")
	test.That(t, err, test.ShouldNotBeNil)

	_, err = run(t, "--mode", "api", "detect", "x.png")
	var ce *waste.ConfigurationError
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, errors.As(err, &ce), test.ShouldBeTrue)

	_, err = run(t, "--mode", "gpu", "detect", "x.png")
	test.That(t, errors.As(err, &ce), test.ShouldBeTrue)
}

func TestModelsCommand(t *testing.T) {
	srv := fakeServer(t)
	out, err := run(t, "--url", srv.URL, "models")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out, test.ShouldContainSubstring, "YOLOv8 waste")
	test.That(t, out, test.ShouldContainSubstring, "Faster R-CNN")
	test.That(t, out, test.ShouldContainSubstring, "*")
}

func TestRender(t *testing.T) {
	box := &waste.NormalizedBox{X: 0.25, Y: 0.5, Width: 0.1, Height: 0.2}
	dets := []waste.Detection{
		{Label: waste.CategoryBattery, Confidence: 0.456, Box: box},
		{Label: waste.CategoryPaper, Confidence: 0.9},
	}
	out := renderDetections(dets)
	test.That(t, out, test.ShouldContainSubstring, "Hazardous (red bin)")
	test.That(t, out, test.ShouldContainSubstring, "46%")
	test.That(t, out, test.ShouldContainSubstring, "x:0.250 y:0.500 w:0.100 h:0.200")
	test.That(t, renderDetections(nil), test.ShouldContainSubstring, "no waste detected")

	test.That(t, summarize(dets), test.ShouldEqual, "battery 46%, paper 90%")
	test.That(t, summarize(nil), test.ShouldEqual, "no waste detected")

	models := []remote.ModelOption{{ID: "a", Label: "A", Version: "1"}}
	test.That(t, renderModels(models, "a"), test.ShouldContainSubstring, "*")
}
