package model

import (
	"encoding/json"
)

// Labels that flip the boolean flags cached on a manifest row.
const (
	labelBootable = "containers.bootc"
	labelFlatpak  = "org.flatpak.ref"
)

type manifestMeta struct {
	Annotations map[string]string `json:"annotations"`
}

type configMeta struct {
	Architecture string `json:"architecture"`
	OS           string `json:"os"`
	Config       struct {
		Labels map[string]string `json:"Labels"`
	} `json:"config"`
}

// DeriveMeta computes the cached metadata of a manifest row from the raw
// manifest body and, when present, the raw configuration blob. It is called
// exactly once, when the row is created.
func (m *Manifest) DeriveMeta(manifestJSON, configJSON []byte) error {
	if len(manifestJSON) > 0 {
		var mm manifestMeta
		if err := json.Unmarshal(manifestJSON, &mm); err != nil {
			return err
		}
		m.Annotations = mm.Annotations
	}

	if len(configJSON) > 0 {
		var cm configMeta
		if err := json.Unmarshal(configJSON, &cm); err != nil {
			return err
		}
		m.Architecture = cm.Architecture
		m.OS = cm.OS
		m.Labels = cm.Config.Labels
	}

	_, m.IsBootable = m.Labels[labelBootable]
	if !m.IsBootable {
		_, m.IsBootable = m.Annotations[labelBootable]
	}
	_, m.IsFlatpak = m.Labels[labelFlatpak]

	return nil
}
