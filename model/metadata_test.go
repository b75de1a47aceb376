package model

import (
	"testing"
)

func TestDeriveMetaFromConfig(t *testing.T) {
	manifestJSON := []byte(`{
		"schemaVersion": 2,
		"annotations": {"org.opencontainers.image.source": "https://example.com"}
	}`)
	configJSON := []byte(`{
		"architecture": "amd64",
		"os": "linux",
		"config": {"Labels": {"maintainer": "nobody", "org.flatpak.ref": "app/org.example.App/x86_64/stable"}}
	}`)

	var m Manifest
	if err := m.DeriveMeta(manifestJSON, configJSON); err != nil {
		t.Fatal(err)
	}
	if m.Architecture != "amd64" || m.OS != "linux" {
		t.Errorf("platform = %s/%s", m.OS, m.Architecture)
	}
	if m.Labels["maintainer"] != "nobody" {
		t.Errorf("labels = %v", m.Labels)
	}
	if m.Annotations["org.opencontainers.image.source"] != "https://example.com" {
		t.Errorf("annotations = %v", m.Annotations)
	}
	if !m.IsFlatpak {
		t.Error("flatpak label not detected")
	}
	if m.IsBootable {
		t.Error("manifest is not bootable")
	}
}

func TestDeriveMetaBootableLabel(t *testing.T) {
	configJSON := []byte(`{"config": {"Labels": {"containers.bootc": "1"}}}`)
	var m Manifest
	if err := m.DeriveMeta(nil, configJSON); err != nil {
		t.Fatal(err)
	}
	if !m.IsBootable {
		t.Error("bootable label not detected")
	}
}

func TestDeriveMetaBootableAnnotationFallback(t *testing.T) {
	manifestJSON := []byte(`{"annotations": {"containers.bootc": "1"}}`)
	var m Manifest
	if err := m.DeriveMeta(manifestJSON, nil); err != nil {
		t.Fatal(err)
	}
	if !m.IsBootable {
		t.Error("bootable annotation not detected")
	}
}

func TestDeriveMetaWithoutConfig(t *testing.T) {
	// manifest lists carry no configuration blob
	var m Manifest
	if err := m.DeriveMeta([]byte(`{"schemaVersion": 2}`), nil); err != nil {
		t.Fatal(err)
	}
	if m.Architecture != "" || len(m.Labels) != 0 {
		t.Errorf("unexpected derived fields: %+v", m)
	}
}

func TestDeriveMetaMalformedConfig(t *testing.T) {
	var m Manifest
	if err := m.DeriveMeta(nil, []byte(`{`)); err == nil {
		t.Error("expected error for malformed configuration")
	}
}
