// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
	"maunium.net/go/mautrix/bridgev2"

	"github.com/aiku/mattermost-bridge/pkg/msgconv"
	"github.com/aiku/mattermost-bridge/pkg/parts"
)

func TestGetName(t *testing.T) {
	mc := &MattermostConnector{}
	name := mc.GetName()

	if name.DisplayName != "Mattermost" {
		t.Errorf("DisplayName: got %q, want %q", name.DisplayName, "Mattermost")
	}
	if name.NetworkID != "mattermost" {
		t.Errorf("NetworkID: got %q, want %q", name.NetworkID, "mattermost")
	}
	if name.DefaultPort != 29319 {
		t.Errorf("DefaultPort: got %d, want %d", name.DefaultPort, 29319)
	}
}

func TestGetCapabilities(t *testing.T) {
	caps := (&MattermostConnector{}).GetCapabilities()
	if caps == nil {
		t.Fatal("GetCapabilities returned nil")
	}
	if caps.DisappearingMessages || caps.AggressiveUpdateInfo {
		t.Errorf("unexpected capabilities: %+v", caps)
	}
}

func TestGetBridgeInfoVersion(t *testing.T) {
	info, caps := (&MattermostConnector{}).GetBridgeInfoVersion()
	if info != 1 || caps != 2 {
		t.Errorf("versions: got %d/%d, want 1/2", info, caps)
	}
}

func TestGetDBMetaTypes(t *testing.T) {
	meta := (&MattermostConnector{}).GetDBMetaTypes()

	if meta.UserLogin == nil || meta.Message == nil {
		t.Fatal("UserLogin and Message meta factories must be set")
	}
	if _, ok := meta.UserLogin().(*UserLoginMetadata); !ok {
		t.Errorf("UserLogin factory returned %T, want *UserLoginMetadata", meta.UserLogin())
	}
	if _, ok := meta.Message().(*MessageMetadata); !ok {
		t.Errorf("Message factory returned %T, want *MessageMetadata", meta.Message())
	}
}

// TestGetConfigBeforeInit ensures GetConfig returns an addressable config
// that the YAML decoder can write to before Init is called, which is the
// order mxmain uses.
func TestGetConfigBeforeInit(t *testing.T) {
	mc := &MattermostConnector{}
	example, data, upgrader := mc.GetConfig()

	if example == "" {
		t.Error("example config should not be empty")
	}
	if data == nil || upgrader == nil {
		t.Fatal("config data and upgrader must not be nil before Init")
	}

	node := &yaml.Node{}
	if err := yaml.Unmarshal([]byte("server_url: http://test:8065\nmessage_chunk_size: 300\n"), node); err != nil {
		t.Fatalf("unmarshal YAML node: %v", err)
	}
	if err := node.Decode(data); err != nil {
		t.Fatalf("Decode into config: %v", err)
	}
	if mc.Config.ServerURL != "http://test:8065" {
		t.Errorf("ServerURL after decode: got %q, want %q", mc.Config.ServerURL, "http://test:8065")
	}
	if mc.Config.ChunkSize() != 300 {
		t.Errorf("ChunkSize after decode: got %d, want 300", mc.Config.ChunkSize())
	}
}

func TestInit(t *testing.T) {
	mc := &MattermostConnector{}
	bridge := &bridgev2.Bridge{}
	mc.Init(bridge)
	if mc.Bridge != bridge {
		t.Error("Init should set Bridge")
	}
	if mc.metrics == nil || mc.metricsRegistry == nil {
		t.Error("Init should set up metrics")
	}

	registry := mc.metricsRegistry
	mc.Init(bridge)
	if mc.metricsRegistry != registry {
		t.Error("a second Init must keep the metrics registry")
	}
}

func TestCheckAndSetRelay_NilBridge(t *testing.T) {
	mc := &MattermostConnector{Bridge: nil}
	mc.checkAndSetRelay(context.Background())
}

func TestCheckAndSetRelay_NilDB(t *testing.T) {
	mc := &MattermostConnector{Bridge: &bridgev2.Bridge{}}
	mc.checkAndSetRelay(context.Background())
}

func TestMakeUserLoginID_ParseUserLoginID_RoundTrip(t *testing.T) {
	for _, in := range []string{"", "user123"} {
		if got := ParseUserLoginID(MakeUserLoginID(in)); got != in {
			t.Errorf("round trip: got %q, want %q", got, in)
		}
	}
}

type failingTarget struct{}

func (failingTarget) Create(context.Context, parts.CreateRequest) (string, error) {
	return "", errors.New("boom")
}
func (failingTarget) Edit(context.Context, string, parts.Replace) error { return nil }
func (failingTarget) Delete(context.Context, string) error              { return nil }

func TestAdminHandler_Metrics(t *testing.T) {
	mc := &MattermostConnector{}
	mc.Init(&bridgev2.Bridge{})

	applier := &parts.Applier{
		Registry: parts.NewMemoryRegistry(),
		Target:   failingTarget{},
		Origin:   parts.OriginMatrix,
		Metrics:  mc.metrics,
	}
	units := []msgconv.Unit{{Section: msgconv.SectionText, Content: msgconv.Text{Body: "hi"}}}
	if _, err := applier.Send(context.Background(), "$evt", units, msgconv.ReplyLink{}); err == nil {
		t.Fatal("expected send to fail")
	}

	srv := httptest.NewServer(mc.adminHandler())
	t.Cleanup(srv.Close)
	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: got %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	for _, want := range []string{"go_goroutines", "create", "error"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output should contain %q", want)
		}
	}

	resp2, err := http.Get(srv.URL + "/unknown")
	if err != nil {
		t.Fatalf("GET /unknown: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotFound {
		t.Errorf("unknown path status: got %d, want 404", resp2.StatusCode)
	}
}
