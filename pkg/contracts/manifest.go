package contracts

import "time"

// ArtifactEntry is one file sealed inside a run's Proof Pack directory.
type ArtifactEntry struct {
	Name   string `json:"name"`
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
	Bytes  int64  `json:"bytes"`
}

// ManifestSignature seals a run manifest with Ed25519. The canonical form
// used for signing excludes this block; verification recomputes it.
type ManifestSignature struct {
	Algorithm     string `json:"algorithm"`
	KeyID         string `json:"keyId"`
	PublicKeyPath string `json:"publicKeyPath"`
	Value         string `json:"value"`
}

// ManifestScope pins the authority boundary of a run manifest.
type ManifestScope struct {
	TenantID string `json:"tenantId"`
}

// RunManifest lists and hashes every artifact of one sealed run.
type RunManifest struct {
	RunID             string             `json:"runId"`
	Scenario          string             `json:"scenario"`
	TenantID          string             `json:"tenantId"`
	Scope             ManifestScope      `json:"scope"`
	Artifacts         []ArtifactEntry    `json:"artifacts"`
	ManifestSignature *ManifestSignature `json:"manifestSignature,omitempty"`
}

// WithoutSignature returns the canonical signing form of the manifest.
func (m RunManifest) WithoutSignature() RunManifest {
	m.ManifestSignature = nil
	return m
}

// PackRunEntry indexes one run inside a pack.
type PackRunEntry struct {
	RunID    string `json:"runId"`
	Scenario string `json:"scenario"`
	Path     string `json:"path"`
	SHA256   string `json:"sha256"`
}

// PackIndex is the pack-level seal: every manifest hash bound into one
// packSha256 value, single-tenant by construction.
type PackIndex struct {
	PackID     string         `json:"packId"`
	CreatedAt  time.Time      `json:"createdAt"`
	TenantID   string         `json:"tenantId"`
	Runs       []PackRunEntry `json:"runs"`
	PackSHA256 string         `json:"packSha256"`
}
