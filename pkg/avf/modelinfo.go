package avf

import (
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// ModelInfoVersion is the on-disk version of the model info section payload.
const ModelInfoVersion uint32 = 1

// ModelInfo is the JSON payload of the ModelInfo section. Unlike the binary
// tensor/layer tables it is read rarely (inspect tooling, serving metadata),
// so a self-describing encoding wins over a fixed layout here.
type ModelInfo struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	Producer  string `json:"producer,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`

	// SourceModel identifies the dense checkpoint the artifact was
	// quantized from, when known.
	SourceModel string `json:"source_model,omitempty"`
}

// NewModelInfo returns a ModelInfo with a fresh artifact ID and timestamp.
func NewModelInfo(name, producer string) ModelInfo {
	return ModelInfo{
		ID:        "avf-" + uuid.NewString(),
		Name:      name,
		Producer:  producer,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
}

// EncodeModelInfoSection serialises the model info payload.
func EncodeModelInfoSection(mi ModelInfo) ([]byte, error) {
	return json.Marshal(mi)
}

// ParseModelInfoSection decodes a model info section payload.
func ParseModelInfoSection(sec []byte) (ModelInfo, error) {
	var mi ModelInfo
	if err := json.Unmarshal(sec, &mi); err != nil {
		return ModelInfo{}, err
	}
	return mi, nil
}
