package main

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/tagbeat/internal/agent"
	"github.com/banshee-data/tagbeat/internal/config"
	"github.com/banshee-data/tagbeat/internal/pipeline"
	"github.com/banshee-data/tagbeat/internal/source"
)

func strPtr(s string) *string { return &s }

func TestSourceFactory(t *testing.T) {
	m, err := pipeline.NewManager(pipeline.Options{})
	require.NoError(t, err)

	cfg := &config.Config{
		TagSeeSocket: strPtr("ws://tagsee:9092/socket"),
		UDPListen:    strPtr(":7777"),
		SerialPort:   strPtr("/dev/ttyUSB0"),
	}
	*pcapFile = "capture.pcap"
	t.Cleanup(func() { *pcapFile = "" })

	for kind, want := range map[string]string{
		"":          "websocket:ws://tagsee:9092/socket",
		"websocket": "websocket:ws://tagsee:9092/socket",
		"udp":       "udp::7777",
		"serial":    "serial:/dev/ttyUSB0",
		"pcap":      "pcap:capture.pcap",
		"Synthetic": "synthetic",
	} {
		f, err := sourceFactory(cfg, kind, m)
		require.NoError(t, err, kind)
		assert.Equal(t, want, f(agent.Target{}).Name(), kind)
	}

	syn, err := sourceFactory(cfg, "synthetic", m)
	require.NoError(t, err)
	src := syn(agent.Target{}).(*source.SyntheticSource)
	assert.Equal(t, m.Params(), src.Params())

	_, err = sourceFactory(cfg, "carrier-pigeon", m)
	assert.Error(t, err)
	_, err = sourceFactory(&config.Config{}, "udp", m)
	assert.Error(t, err)
	_, err = sourceFactory(&config.Config{}, "serial", m)
	assert.Error(t, err)
}

func TestOpenStore(t *testing.T) {
	dir := t.TempDir()

	cfg := &config.Config{DBPath: strPtr(filepath.Join(dir, "s.db"))}
	st, sq, err := openStore(cfg)
	require.NoError(t, err)
	require.NotNil(t, sq)
	require.NoError(t, st.Close())

	backend := config.BackendFile
	cfg = &config.Config{SessionBackend: &backend, SessionDir: strPtr(filepath.Join(dir, "sessions"))}
	st, sq, err = openStore(cfg)
	require.NoError(t, err)
	assert.Nil(t, sq)
	require.NoError(t, st.Close())
}

func TestApplyFlags(t *testing.T) {
	cfg := &config.Config{Listen: strPtr(":1")}
	*listen = ":2"
	t.Cleanup(func() { *listen = "" })

	applyFlags(cfg)
	assert.Equal(t, ":2", cfg.GetListen())
	assert.Equal(t, "", cfg.GetGRPCListen())
}
