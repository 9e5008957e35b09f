package main

import (
	"bytes"
	"reflect"
	"strings"
	"testing"

	"rovercam/internal/config"
	"rovercam/internal/sink"
	"rovercam/pkg/models"
)

func TestServiceArguments(t *testing.T) {
	tests := []struct {
		name string
		in   []string
		want []string
	}{
		{name: "separate value", in: []string{"--service", "install", "--http-port", "9000"}, want: []string{"--http-port", "9000"}},
		{name: "joined value", in: []string{"--auto-connect", "--service=start"}, want: []string{"--auto-connect"}},
		{name: "no action", in: []string{"--config", "/etc/rovercam.yaml"}, want: []string{"--config", "/etc/rovercam.yaml"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := serviceArguments(tt.in); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("serviceArguments() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSinkProvider(t *testing.T) {
	source := models.CameraSource{ID: models.IntID(1)}

	counting := sinkProvider(&config.Config{}, nil)(0, source)
	if _, ok := counting.(*sink.Counter); !ok {
		t.Errorf("sink = %T, want *sink.Counter", counting)
	}

	recording := sinkProvider(&config.Config{RecordDir: t.TempDir()}, nil)(0, source)
	if _, ok := recording.(*sink.Recorder); !ok {
		t.Errorf("sink = %T, want *sink.Recorder", recording)
	}
}

func TestWebRTCConfiguration(t *testing.T) {
	if conf := webrtcConfiguration(&config.Config{}); len(conf.ICEServers) != 0 {
		t.Errorf("ICEServers = %v, want none", conf.ICEServers)
	}
	conf := webrtcConfiguration(&config.Config{STUNURLs: []string{"stun:a", "stun:b"}})
	if len(conf.ICEServers) != 1 || len(conf.ICEServers[0].URLs) != 2 {
		t.Errorf("ICEServers = %v", conf.ICEServers)
	}
}

func TestPrintCameras(t *testing.T) {
	cameras := []models.CameraSource{
		{ID: models.IntID(0), Label: "USB Camera 0", RemoteConnected: true},
		{ID: models.StringID("mast")},
	}

	var table bytes.Buffer
	if err := printCameras(&table, cameras, false); err != nil {
		t.Fatal(err)
	}
	out := table.String()
	for _, want := range []string{"USB Camera 0", "Camera mast", "yes"} {
		if !strings.Contains(out, want) {
			t.Errorf("table missing %q:\n%s", want, out)
		}
	}

	var js bytes.Buffer
	if err := printCameras(&js, cameras, true); err != nil {
		t.Fatal(err)
	}
	decoded, err := models.DecodeCameraList(js.Bytes())
	if err != nil || len(decoded) != 2 || decoded[1].ID.String() != "mast" {
		t.Errorf("round trip = %v, %v", decoded, err)
	}
}
