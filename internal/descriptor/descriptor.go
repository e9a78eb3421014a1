// Package descriptor parses Bitcoin output descriptors and derives wallet
// addresses from them. Supported forms: wpkh, pkh, sh(wpkh), tr, and
// wsh(multi/sortedmulti) with optional key origins and /0/* or /<0;1>/*
// derivation suffixes.
package descriptor

import (
	"fmt"
	"strconv"
	"strings"
)

// Script identifies the descriptor's script family.
type Script string

const (
	ScriptWPKH   Script = "wpkh"    // native segwit single-sig
	ScriptPKH    Script = "pkh"     // legacy single-sig
	ScriptSHWPKH Script = "sh-wpkh" // nested segwit single-sig
	ScriptTR     Script = "tr"      // taproot single-sig
	ScriptWSH    Script = "wsh"     // P2WSH multisig
)

// Key is one extended key inside a descriptor.
type Key struct {
	// Origin is the key origin without brackets, e.g. "f00dbabe/84h/0h/0h".
	Origin string
	// Xpub is the serialized extended public key (xpub/tpub/vpub...).
	Xpub string
	// Suffix is the derivation template after the key: "/0/*", "/<0;1>/*",
	// or empty.
	Suffix string
}

// Descriptor is a parsed output descriptor.
type Descriptor struct {
	Script    Script
	Keys      []Key
	Threshold int  // m of a multisig, 0 otherwise
	Sorted    bool // sortedmulti
}

// Multisig reports whether the descriptor describes a multisig script.
func (d *Descriptor) Multisig() bool {
	return d.Script == ScriptWSH
}

// Parse parses an output descriptor string. A trailing #checksum is
// accepted and ignored.
func Parse(s string) (*Descriptor, error) {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '#'); i >= 0 {
		s = s[:i]
	}
	if s == "" {
		return nil, fmt.Errorf("empty descriptor")
	}

	name, inner, err := splitFunc(s)
	if err != nil {
		return nil, err
	}

	switch name {
	case "wpkh":
		key, err := parseKey(inner)
		if err != nil {
			return nil, err
		}
		return &Descriptor{Script: ScriptWPKH, Keys: []Key{key}}, nil

	case "pkh":
		key, err := parseKey(inner)
		if err != nil {
			return nil, err
		}
		return &Descriptor{Script: ScriptPKH, Keys: []Key{key}}, nil

	case "tr":
		key, err := parseKey(inner)
		if err != nil {
			return nil, err
		}
		return &Descriptor{Script: ScriptTR, Keys: []Key{key}}, nil

	case "sh":
		innerName, innerBody, err := splitFunc(inner)
		if err != nil {
			return nil, err
		}
		if innerName != "wpkh" {
			return nil, fmt.Errorf("unsupported sh() inner script: %s", innerName)
		}
		key, err := parseKey(innerBody)
		if err != nil {
			return nil, err
		}
		return &Descriptor{Script: ScriptSHWPKH, Keys: []Key{key}}, nil

	case "wsh":
		innerName, innerBody, err := splitFunc(inner)
		if err != nil {
			return nil, err
		}
		if innerName != "multi" && innerName != "sortedmulti" {
			return nil, fmt.Errorf("unsupported wsh() inner script: %s", innerName)
		}
		parts := splitTopLevel(innerBody)
		if len(parts) < 3 {
			return nil, fmt.Errorf("multisig needs a threshold and at least two keys")
		}
		m, err := strconv.Atoi(strings.TrimSpace(parts[0]))
		if err != nil || m < 1 {
			return nil, fmt.Errorf("invalid multisig threshold %q", parts[0])
		}
		keys := make([]Key, 0, len(parts)-1)
		for _, p := range parts[1:] {
			key, err := parseKey(strings.TrimSpace(p))
			if err != nil {
				return nil, err
			}
			keys = append(keys, key)
		}
		if m > len(keys) {
			return nil, fmt.Errorf("threshold %d exceeds key count %d", m, len(keys))
		}
		return &Descriptor{
			Script:    ScriptWSH,
			Keys:      keys,
			Threshold: m,
			Sorted:    innerName == "sortedmulti",
		}, nil

	default:
		return nil, fmt.Errorf("unsupported descriptor: %s(...)", name)
	}
}

// splitFunc splits "name(body)" into its parts, validating the closing
// parenthesis.
func splitFunc(s string) (string, string, error) {
	open := strings.IndexByte(s, '(')
	if open <= 0 || !strings.HasSuffix(s, ")") {
		return "", "", fmt.Errorf("malformed descriptor fragment: %q", s)
	}
	return s[:open], s[open+1 : len(s)-1], nil
}

// splitTopLevel splits on commas that are not nested in parentheses or
// key-origin brackets.
func splitTopLevel(s string) []string {
	var parts []string
	depth := 0
	start := 0
	for i, r := range s {
		switch r {
		case '(', '[', '<':
			depth++
		case ')', ']', '>':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	parts = append(parts, s[start:])
	return parts
}

// parseKey parses "[origin]xpub/suffix" with every part but the xpub
// optional.
func parseKey(s string) (Key, error) {
	var key Key

	if strings.HasPrefix(s, "[") {
		end := strings.IndexByte(s, ']')
		if end < 0 {
			return key, fmt.Errorf("unterminated key origin in %q", s)
		}
		key.Origin = s[1:end]
		s = s[end+1:]
	}

	// The suffix starts at the first slash after the key material.
	if i := strings.IndexByte(s, '/'); i >= 0 {
		key.Xpub = s[:i]
		key.Suffix = s[i:]
	} else {
		key.Xpub = s
	}

	if key.Xpub == "" {
		return key, fmt.Errorf("missing extended key in %q", s)
	}
	if key.Suffix != "" && key.Suffix != "/0/*" && key.Suffix != "/1/*" && key.Suffix != "/<0;1>/*" && key.Suffix != "/*" {
		return key, fmt.Errorf("unsupported derivation suffix %q", key.Suffix)
	}
	return key, nil
}

// BasePath renders the origin as a human readable path prefix, normalizing
// the h hardened marker to an apostrophe. Empty origin yields "m".
func (k Key) BasePath() string {
	if k.Origin == "" {
		return "m"
	}
	parts := strings.Split(k.Origin, "/")
	if len(parts) < 2 {
		return "m"
	}
	// Drop the fingerprint, keep the path.
	path := strings.Join(parts[1:], "/")
	path = strings.ReplaceAll(path, "h", "'")
	return "m/" + path
}
