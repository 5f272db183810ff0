package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"strconv"

	outfit "github.com/chaodonghu/outfit-generator"
)

const (
	contentPrefix  = "outfit:cache:"
	identityPrefix = "outfit:identity:"
)

// Key addresses one generation in both tiers.
type Key struct {
	// Content fingerprint used by the memory tier. Derived from image
	// references and the instruction; always set.
	Content string

	// Identity key used by the durable tier. Derived from caller supplied
	// stable IDs, so it survives across sessions even when image references
	// are temporary. Empty unless every input has an ID.
	Identity string
}

func (k Key) HasIdentity() bool {
	return k.Identity != ""
}

func NewKey(providerName string, model string, request outfit.GenerationRequest) Key {
	instructionHash := sha256.Sum256([]byte(request.Instruction()))
	instructionLength := strconv.Itoa(len(request.Instruction()))

	content := sha256.New()
	writeFields(content, providerName, model)
	for _, input := range request.Inputs() {
		writeFields(content, string(input.Role), input.Ref)
	}
	writeFields(content, instructionLength, string(instructionHash[:]))

	key := Key{Content: contentPrefix + hex.EncodeToString(content.Sum(nil))}
	if !request.HasIdentity() {
		return key
	}

	identity := sha256.New()
	writeFields(identity, providerName, model)
	for _, input := range request.Inputs() {
		writeFields(identity, string(input.Role), input.ID)
	}
	writeFields(identity, instructionLength, string(instructionHash[:]))
	key.Identity = identityPrefix + hex.EncodeToString(identity.Sum(nil))
	return key
}

// Length prefixed so that ("ab", "c") and ("a", "bc") never collide.
func writeFields(h hash.Hash, fields ...string) {
	for _, field := range fields {
		h.Write([]byte(strconv.Itoa(len(field))))
		h.Write([]byte{':'})
		h.Write([]byte(field))
	}
}
