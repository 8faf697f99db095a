package video

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/yungbote/scholarcast-backend/internal/blob"
)

type InputKind string

const (
	InputTitle InputKind = "title"
	InputArxiv InputKind = "arxiv"
	InputPDF   InputKind = "pdf"
)

// arXiv identifiers: new-style 2007.12345 / 2007.12345v3 and legacy
// archive/0701123 forms.
var (
	arxivNewRe    = regexp.MustCompile(`^\d{4}\.\d{4,5}(v\d+)?$`)
	arxivLegacyRe = regexp.MustCompile(`^[a-z][a-z-]*(\.[A-Z]{2})?/\d{7}(v\d+)?$`)
)

const maxTitleLen = 512

/*
PaperInput is the tagged union identifying the paper a job renders:

	TITLE(string): free-text title, resolved by the ingest stage
	ARXIV(string): arXiv identifier
	PDF(blob_ref): uploaded PDF bytes, already in the blob store

Exactly one variant is populated; Kind selects it. Construct through
TitleInput/ArxivInput/PDFInput and the union stays well-formed by
construction; anything arriving over the wire goes through Validate.
*/
type PaperInput struct {
	Kind    InputKind `json:"kind"`
	Title   string    `json:"title,omitempty"`
	ArxivID string    `json:"arxiv_id,omitempty"`
	PDFRef  blob.Ref  `json:"pdf_ref,omitempty"`
}

func TitleInput(title string) PaperInput {
	return PaperInput{Kind: InputTitle, Title: strings.TrimSpace(title)}
}

func ArxivInput(id string) PaperInput {
	return PaperInput{Kind: InputArxiv, ArxivID: strings.TrimSpace(id)}
}

func PDFInput(ref blob.Ref) PaperInput {
	return PaperInput{Kind: InputPDF, PDFRef: ref}
}

func (in PaperInput) Validate() error {
	switch in.Kind {
	case InputTitle:
		if in.ArxivID != "" || in.PDFRef != "" {
			return NewStageError(KindInputInvalid, "title input carries extra variants")
		}
		if in.Title == "" {
			return NewStageError(KindInputInvalid, "title is empty")
		}
		if utf8.RuneCountInString(in.Title) > maxTitleLen {
			return NewStageError(KindInputInvalid, "title exceeds %d characters", maxTitleLen)
		}
	case InputArxiv:
		if in.Title != "" || in.PDFRef != "" {
			return NewStageError(KindInputInvalid, "arxiv input carries extra variants")
		}
		if !arxivNewRe.MatchString(in.ArxivID) && !arxivLegacyRe.MatchString(in.ArxivID) {
			return NewStageError(KindInputInvalid, "malformed arxiv id %q", in.ArxivID)
		}
	case InputPDF:
		if in.Title != "" || in.ArxivID != "" {
			return NewStageError(KindInputInvalid, "pdf input carries extra variants")
		}
		if in.PDFRef == "" {
			return NewStageError(KindInputInvalid, "pdf input missing blob ref")
		}
	default:
		return NewStageError(KindInputInvalid, "unknown input kind %q", string(in.Kind))
	}
	return nil
}

// UnmarshalJSON rejects unknown kinds on load so a persisted job can never
// resurface with a variant the pipeline cannot dispatch on.
func (in *PaperInput) UnmarshalJSON(b []byte) error {
	type alias PaperInput
	var a alias
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	switch a.Kind {
	case InputTitle, InputArxiv, InputPDF:
	default:
		return fmt.Errorf("unknown paper input kind %q", string(a.Kind))
	}
	*in = PaperInput(a)
	return nil
}
