package ledger

import "unicode/utf8"

// The ledger's metadata encoding caps every string at 64 bytes, so longer
// fields are carried as arrays of 64-char segments.
const metadataChunkSize = 64

const metadataLabel = "721"

// TokenMetadata is the on-chain description attached to a minted token.
type TokenMetadata struct {
	Name        string
	Description string
	Image       string
	Category    string
	Season      string
	Tier        string
}

// BuildMetadata shapes token metadata into the standard label-721 layout:
// label → policy id → asset name → fields. Long strings are chunked.
func BuildMetadata(policyID, assetName string, md TokenMetadata) map[string]any {
	fields := map[string]any{
		"name": chunkString(md.Name),
	}
	if md.Description != "" {
		fields["description"] = chunkString(md.Description)
	}
	if md.Image != "" {
		fields["image"] = chunkString(md.Image)
	}
	if md.Category != "" {
		fields["category"] = md.Category
	}
	if md.Season != "" {
		fields["season"] = md.Season
	}
	if md.Tier != "" {
		fields["tier"] = md.Tier
	}

	return map[string]any{
		metadataLabel: map[string]any{
			policyID: map[string]any{
				assetName: fields,
			},
		},
	}
}

// chunkString returns s unchanged when it fits in one segment, otherwise a
// slice of segments of at most metadataChunkSize bytes, split on rune
// boundaries so a multi-byte character never straddles two segments.
func chunkString(s string) any {
	if len(s) <= metadataChunkSize {
		return s
	}

	var (
		chunks []string
		start  int
	)
	for i, r := range s {
		if i-start+utf8.RuneLen(r) > metadataChunkSize {
			chunks = append(chunks, s[start:i])
			start = i
		}
	}
	return append(chunks, s[start:])
}
