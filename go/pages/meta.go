// Package pages runs the per-page extraction stage: a prefetcher feeds page
// images through a bounded queue to a small worker pool, each worker resolves
// the page's layout blocks through the OCR cache under a model lease, then
// crops one image per detected question and writes the page summary under
// {workdir}/questions_page_{n}/.
package pages

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/examio/paperflow/go/ocr"
	"github.com/google/uuid"
)

// MetaFileName is the per-page summary document inside its question directory.
const MetaFileName = "meta.json"

// Segment pins part of a question to a page. Reserved for questions whose
// rendering is split across pages; the extraction stage itself never splits.
type Segment struct {
	Page       string     `json:"page"`
	Image      string     `json:"image"`
	Box        [4]float64 `json:"box"`
	Confidence float64    `json:"confidence,omitempty"`
}

// QuestionMeta describes one cropped question of a page. Image paths are
// relative to the workdir. CropBoxImage is the pixel band actually cut from
// the page; CropBoxBlocks is the tight union of the question's blocks.
type QuestionMeta struct {
	QNo           int        `json:"qno"`
	Image         string     `json:"image"`
	CropBoxImage  [4]int     `json:"crop_box_image"`
	CropBoxBlocks [4]float64 `json:"crop_box_blocks"`
	TextBlocks    int        `json:"text_blocks"`
	TableBlocks   int        `json:"table_blocks"`
	OtherBlocks   int        `json:"other_blocks"`
	Segments      []Segment  `json:"segments,omitempty"`
}

// PageMeta is the summary document of one extracted page.
type PageMeta struct {
	PageName  string         `json:"page_name"`
	ImagePath string         `json:"image_path"`
	Questions []QuestionMeta `json:"questions"`
}

// MetaDir names the question directory of a page, e.g. "questions_page_3".
func MetaDir(pageID string) string {
	return fmt.Sprintf("questions_page_%d", ocr.PageNumber(pageID))
}

// MetaPath is the absolute path of a page's summary document.
func MetaPath(workdir, pageID string) string {
	return filepath.Join(workdir, MetaDir(pageID), MetaFileName)
}

// LoadMeta reads a page summary.
func LoadMeta(workdir, pageID string) (*PageMeta, error) {
	var data, err = os.ReadFile(MetaPath(workdir, pageID))
	if err != nil {
		return nil, err
	}
	var meta PageMeta
	if err = json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("decoding page summary for %s: %w", pageID, err)
	}
	return &meta, nil
}

// SaveMeta atomically persists a page summary.
func SaveMeta(workdir, pageID string, meta *PageMeta, pretty bool) error {
	var data []byte
	var err error
	if pretty {
		data, err = json.MarshalIndent(meta, "", "  ")
	} else {
		data, err = json.Marshal(meta)
	}
	if err != nil {
		return fmt.Errorf("encoding page summary: %w", err)
	}

	var path = MetaPath(workdir, pageID)
	if err = os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating question directory: %w", err)
	}
	var tmp = filepath.Join(filepath.Dir(path), ".tmp-"+uuid.NewString())
	if err = os.WriteFile(tmp, data, 0o644); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("writing page summary: %w", err)
	}
	if err = os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("committing page summary: %w", err)
	}
	return nil
}

// PageComplete reports whether a page already has a valid summary: the
// document parses and every crop it references still exists.
func PageComplete(workdir, pageID string) (*PageMeta, bool) {
	var meta, err = LoadMeta(workdir, pageID)
	if err != nil {
		return nil, false
	}
	for _, q := range meta.Questions {
		if _, err = os.Stat(filepath.Join(workdir, filepath.FromSlash(q.Image))); err != nil {
			return nil, false
		}
	}
	return meta, true
}

// IsComplete reports whether every page image of the workdir has a valid
// summary. Trivially true for an empty workdir.
func IsComplete(workdir string) (bool, error) {
	var paths, err = ocr.ListPageImages(workdir)
	if err != nil {
		return false, err
	}
	for _, p := range paths {
		if _, ok := PageComplete(workdir, ocr.PageID(p)); !ok {
			return false, nil
		}
	}
	return true, nil
}
