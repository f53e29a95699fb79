package sma

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Tag is one entry of a locale tag catalog: a short tag name, the LRI
// it annotates (0 when the tag is not LRI-addressable, e.g. event
// templates), and its localized description (spec §4.6).
type Tag struct {
	ID   int
	Name string
	LRI  uint32
	Desc string
}

// Catalog is a loaded TagList<locale>.txt, indexed for lookup by tag
// ID and by LRI.
type Catalog struct {
	byID  map[int]Tag
	byLRI map[uint32]Tag
}

// LoadCatalog loads TagList<locale>.txt from dir, falling back to
// TagListEN-US.txt when the locale-specific file is absent, matching
// the fallback behavior described in spec §4.6.
func LoadCatalog(dir, locale string) (*Catalog, error) {
	path := filepath.Join(dir, fmt.Sprintf("TagList%s.txt", locale))
	f, err := os.Open(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("sma: open tag catalog %s: %w", path, err)
		}
		fallback := filepath.Join(dir, "TagListEN-US.txt")
		f, err = os.Open(fallback)
		if err != nil {
			return nil, fmt.Errorf("sma: open fallback tag catalog %s: %w", fallback, err)
		}
	}
	defer f.Close()
	return ParseCatalog(f)
}

// ParseCatalog reads the "tag_id=tag\lri\description" line format
// described in spec §4.6, skipping blank lines and '#' comments.
func ParseCatalog(r io.Reader) (*Catalog, error) {
	c := &Catalog{byID: map[int]Tag{}, byLRI: map[uint32]Tag{}}
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.IndexByte(line, '=')
		if eq < 0 {
			continue
		}
		id, err := strconv.Atoi(strings.TrimSpace(line[:eq]))
		if err != nil {
			continue
		}
		fields := strings.Split(line[eq+1:], `\`)
		tag := Tag{ID: id}
		if len(fields) > 0 {
			tag.Name = fields[0]
		}
		if len(fields) > 1 {
			if lri, err := strconv.ParseUint(fields[1], 0, 32); err == nil {
				tag.LRI = uint32(lri)
			}
		}
		if len(fields) > 2 {
			tag.Desc = fields[2]
		}
		c.byID[tag.ID] = tag
		if tag.LRI != 0 {
			// Indexed under the same mask TagByLRI applies to its input.
			c.byLRI[tag.LRI&0x00FFFF00] = tag
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("sma: read tag catalog: %w", err)
	}
	return c, nil
}

// TagByID looks up a tag by its numeric ID.
func (c *Catalog) TagByID(id int) (Tag, bool) {
	t, ok := c.byID[id]
	return t, ok
}

// TagByLRI looks up a tag by its masked LRI, matching the source's
// `LRI &= 0x00FFFF00` masking convention before lookup.
func (c *Catalog) TagByLRI(lri uint32) (Tag, bool) {
	t, ok := c.byLRI[lri&0x00FFFF00]
	return t, ok
}

// Describe resolves tag id to its description, or a synthetic
// "#<id>" placeholder when the catalog has no entry.
func (c *Catalog) Describe(id int) string {
	if t, ok := c.byID[id]; ok {
		return t.Desc
	}
	return fmt.Sprintf("#%d", id)
}

// SubstituteEventTemplate replaces the |ln04|/|tn0|/|s0|/|xN| style
// tokens in an event description template with the event's own
// fields (spec §4.6). Unrecognized tokens are left verbatim.
func SubstituteEventTemplate(template string, ev Event, catalog *Catalog) string {
	r := strings.NewReplacer(
		"|ln04|", fmt.Sprintf("%04d", ev.Group),
		"|tn0|", catalog.Describe(int(ev.Tag)),
		"|s0|", fmt.Sprintf("%d", ev.Counter),
		"|xN|", fmt.Sprintf("%X", ev.Code),
	)
	return r.Replace(template)
}
