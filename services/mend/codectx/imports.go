// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package codectx

import (
	"path"
	"regexp"
	"sort"
	"strings"
)

// These are text patterns, not a parser. Commented-out imports and imports
// inside string literals are matched too.
var (
	importFromPattern    = regexp.MustCompile(`(?m)^\s*import\s+(?:type\s+)?[\w*{}\s,$]+?\s+from\s+['"]([^'"\n]+)['"]`)
	importBarePattern    = regexp.MustCompile(`(?m)^\s*import\s+['"]([^'"\n]+)['"]`)
	importDynamicPattern = regexp.MustCompile(`\bimport\(\s*['"]([^'"\n]+)['"]\s*\)`)
	requirePattern       = regexp.MustCompile(`\brequire\(\s*['"]([^'"\n]+)['"]\s*\)`)
	exportFromPattern    = regexp.MustCompile(`(?m)^\s*export\s+(?:type\s+)?(?:\*|\{[^}]*\})(?:\s+as\s+\w+)?\s+from\s+['"]([^'"\n]+)['"]`)

	importPatterns = []*regexp.Regexp{
		importFromPattern,
		importBarePattern,
		importDynamicPattern,
		requirePattern,
		exportFromPattern,
	}
)

// ImportRef is one module reference found in a file.
type ImportRef struct {
	Spec     string `json:"spec"`
	External bool   `json:"external"`
}

// ExtractImports returns the module references in content, in order of
// first appearance, without duplicates.
//
// A reference is internal when it starts with "." or "/"; anything else
// (including bundler aliases such as "@/components") is external.
func ExtractImports(content string) []ImportRef {
	type hit struct {
		pos  int
		spec string
	}
	var hits []hit
	for _, re := range importPatterns {
		for _, m := range re.FindAllStringSubmatchIndex(content, -1) {
			hits = append(hits, hit{pos: m[2], spec: content[m[2]:m[3]]})
		}
	}
	if len(hits) == 0 {
		return nil
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].pos < hits[j].pos })

	seen := make(map[string]bool, len(hits))
	refs := make([]ImportRef, 0, len(hits))
	for _, h := range hits {
		if seen[h.spec] {
			continue
		}
		seen[h.spec] = true
		refs = append(refs, ImportRef{Spec: h.spec, External: !isRelative(h.spec)})
	}
	return refs
}

// PackageName reduces an external specifier to its package:
// "@scope/pkg/sub" becomes "@scope/pkg", "react-dom/client" becomes "react-dom".
func PackageName(spec string) string {
	parts := strings.Split(spec, "/")
	if strings.HasPrefix(spec, "@") && len(parts) >= 2 {
		return parts[0] + "/" + parts[1]
	}
	return parts[0]
}

// ImportFragment is the textual key other files use to reference p:
// the base name without extension, or the directory name for index files.
func ImportFragment(p string) string {
	base := path.Base(p)
	if ext := path.Ext(base); ext != "" {
		base = strings.TrimSuffix(base, ext)
	}
	if base == "index" {
		if dir := path.Base(path.Dir(p)); dir != "." && dir != "/" {
			return dir
		}
	}
	return base
}

func isRelative(spec string) bool {
	return strings.HasPrefix(spec, ".") || strings.HasPrefix(spec, "/")
}

// normalizePath strips leading "./" and "/" so project-rooted and relative
// spellings of the same path compare equal.
func normalizePath(p string) string {
	p = strings.TrimPrefix(p, "./")
	return strings.TrimLeft(p, "/")
}
