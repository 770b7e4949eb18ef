package bundler

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"addinbundle/pkg/bundlezip"
)

type xmlBundle struct {
	XMLName    xml.Name       `xml:"http://v8.1c.ru/8.2/addin/bundle bundle"`
	Name       string         `xml:"name,attr"`
	Components []xmlComponent `xml:"component"`
}

type xmlComponent struct {
	OS   string `xml:"os,attr"`
	Path string `xml:"path,attr"`
	Type string `xml:"type,attr"`
	Arch string `xml:"arch,attr"`
}

// VerifyResult summarises a bundle that passed verification.
type VerifyResult struct {
	Name       string
	Components []Component
	Signed     bool
	Signature  *Signature
}

// Verify reopens a bundle and checks that it is loadable: the descriptor is
// the last entry, every component it lists is present, executable and
// non-empty, and nothing else is in the archive. A detached signature is
// checked against cfg.Signer when present and required when
// cfg.RequireSignature is set. The key embedded in a signature file is never
// trusted on its own.
func Verify(cfg VerifyConfig) (*VerifyResult, error) {
	if cfg.BundlePath == "" {
		return nil, fmt.Errorf("%w: bundle file is required", ErrInvalidConfig)
	}
	if cfg.SignaturePath == "" {
		cfg.SignaturePath = cfg.BundlePath + SignatureSuffix
	}
	if cfg.Stdout == nil {
		cfg.Stdout = io.Discard
	}
	if cfg.RequireSignature && cfg.Signer == nil {
		return nil, fmt.Errorf("%w: signature required but no trusted public key is configured", ErrVerify)
	}

	entries, err := bundlezip.ReadAll(cfg.BundlePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrVerify, err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: empty archive", ErrVerify)
	}
	last := entries[len(entries)-1]
	if last.Name != DescriptorName {
		return nil, fmt.Errorf("%w: last entry is %q, want %s", ErrVerify, last.Name, DescriptorName)
	}

	var doc xmlBundle
	if err := xml.Unmarshal(last.Data, &doc); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %w", ErrVerify, DescriptorName, err)
	}
	if len(doc.Components) == 0 {
		return nil, fmt.Errorf("%w: descriptor lists no components", ErrVerify)
	}

	byName := make(map[string]bundlezip.Entry, len(entries))
	for _, e := range entries[:len(entries)-1] {
		if _, dup := byName[e.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate entry %q", ErrVerify, e.Name)
		}
		byName[e.Name] = e
	}

	res := &VerifyResult{Name: doc.Name}
	listed := make(map[string]struct{}, len(doc.Components))
	for _, c := range doc.Components {
		if c.Type != "native" {
			return nil, fmt.Errorf("%w: component %q has type %q", ErrVerify, c.Path, c.Type)
		}
		if _, dup := listed[c.Path]; dup {
			return nil, fmt.Errorf("%w: component %q listed twice", ErrVerify, c.Path)
		}
		listed[c.Path] = struct{}{}

		e, ok := byName[c.Path]
		if !ok {
			return nil, fmt.Errorf("%w: component %q missing from archive", ErrVerify, c.Path)
		}
		if len(e.Data) == 0 {
			return nil, fmt.Errorf("%w: component %q is empty", ErrVerify, c.Path)
		}
		if e.Mode.Perm()&0o111 == 0 {
			return nil, fmt.Errorf("%w: component %q is not executable (%v)", ErrVerify, c.Path, e.Mode.Perm())
		}
		res.Components = append(res.Components, Component{OS: c.OS, Arch: c.Arch, Path: c.Path})
		fmt.Fprintf(cfg.Stdout, "ok %s (%s/%s, %d bytes)\n", c.Path, c.OS, c.Arch, len(e.Data))
	}
	if len(byName) != len(listed) {
		for name := range byName {
			if _, ok := listed[name]; !ok {
				return nil, fmt.Errorf("%w: entry %q is not listed in %s", ErrVerify, name, DescriptorName)
			}
		}
	}

	_, statErr := os.Stat(cfg.SignaturePath)
	switch {
	case statErr == nil:
		if cfg.Signer == nil {
			return nil, fmt.Errorf("%w: signature %s present but no trusted public key is configured", ErrVerify, cfg.SignaturePath)
		}
		sig, err := cfg.Signer.VerifyFile(cfg.BundlePath, cfg.SignaturePath)
		if err != nil {
			return nil, fmt.Errorf("%w: signature: %w", ErrVerify, err)
		}
		res.Signed = true
		res.Signature = sig
		fmt.Fprintf(cfg.Stdout, "signature ok (%s)\n", sig.PublicKey)
	case errors.Is(statErr, fs.ErrNotExist):
		if cfg.RequireSignature {
			return nil, fmt.Errorf("%w: signature %s not found", ErrVerify, cfg.SignaturePath)
		}
	default:
		return nil, fmt.Errorf("%w: stat signature: %w", ErrVerify, statErr)
	}

	fmt.Fprintf(cfg.Stdout, "verified bundle %s with %d components\n", doc.Name, len(res.Components))
	return res, nil
}
