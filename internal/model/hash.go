package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// ComputeHash fingerprints the artifact's content. Run metadata such as the
// artifact id and extraction time is excluded so that two extractions of an
// unchanged channel hash identically.
func (a *BackupArtifact) ComputeHash() string {
	payload := struct {
		Channel        ChannelRef `json:"channel"`
		Events         []Event    `json:"events"`
		MissingThreads []string   `json:"missing_threads"`
	}{a.Channel, a.Events, a.MissingThreads}

	data, err := json.Marshal(payload)
	if err != nil {
		// Event holds only strings, ints and times; Marshal cannot fail.
		panic(err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashText fingerprints arbitrary text, used for published canvas bodies.
func HashText(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
