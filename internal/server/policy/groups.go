package policy

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

// DefaultGroups is the accepted-extension configuration used when none is set.
const DefaultGroups = "Documents:pdf,doc,docx,odt,rtf,txt,md,html,xml;" +
	"Spreadsheets:csv,xls,xlsx,ods;" +
	"Presentations:ppt,pptx,odp;" +
	"Images:jpg,jpeg,png,gif,tif,tiff,bmp,webp,svg;" +
	"Audio:mp3,wav,flac,ogg,m4a;" +
	"Video:mp4,mov,avi,mkv,webm;" +
	"Archives:zip,tar,gz,7z"

// ExtensionGroup is a named set of accepted file extensions, stored
// lowercase and without the leading dot.
type ExtensionGroup struct {
	Name       string
	Extensions []string
}

// Groups is the parsed accepted-extension configuration.
type Groups []ExtensionGroup

// ParseGroups parses "Name:ext,ext;Name:ext". It fails on any malformed
// segment rather than skipping it.
func ParseGroups(raw string) (Groups, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("accepted file types: no groups configured")
	}

	var groups Groups
	seen := make(map[string]bool)

	segments := strings.Split(raw, ";")
	for i, segment := range segments {
		segment = strings.TrimSpace(segment)
		if segment == "" {
			// tolerate a trailing separator only
			if i == len(segments)-1 {
				continue
			}
			return nil, fmt.Errorf("accepted file types: empty group at position %d", i+1)
		}

		name, list, ok := strings.Cut(segment, ":")
		if !ok {
			return nil, fmt.Errorf("accepted file types: group %q is missing ':'", segment)
		}
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, fmt.Errorf("accepted file types: group %q has no name", segment)
		}
		key := strings.ToLower(name)
		if seen[key] {
			return nil, fmt.Errorf("accepted file types: duplicate group %q", name)
		}
		seen[key] = true

		group := ExtensionGroup{Name: name}
		for _, ext := range strings.Split(list, ",") {
			ext = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
			if ext == "" {
				return nil, fmt.Errorf("accepted file types: group %q has an empty extension", name)
			}
			if !validExtension(ext) {
				return nil, fmt.Errorf("accepted file types: group %q has invalid extension %q", name, ext)
			}
			group.Extensions = append(group.Extensions, ext)
		}
		groups = append(groups, group)
	}

	if len(groups) == 0 {
		return nil, fmt.Errorf("accepted file types: no groups configured")
	}
	return groups, nil
}

func validExtension(ext string) bool {
	for _, r := range ext {
		if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9') {
			return false
		}
	}
	return true
}

// Extension returns the lowercase extension of name without the dot.
func Extension(name string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
}

// Allows reports whether the file name's extension belongs to any group.
func (g Groups) Allows(name string) bool {
	ext := Extension(name)
	if ext == "" {
		return false
	}
	for _, group := range g {
		for _, e := range group.Extensions {
			if e == ext {
				return true
			}
		}
	}
	return false
}

// Describe lists the accepted extensions for user-facing messages.
func (g Groups) Describe() string {
	var parts []string
	for _, group := range g {
		exts := append([]string(nil), group.Extensions...)
		sort.Strings(exts)
		parts = append(parts, fmt.Sprintf("%s (%s)", group.Name, strings.Join(exts, ", ")))
	}
	return strings.Join(parts, "; ")
}
