package dedup

import (
	"context"
	"fmt"
	"image"
	_ "image/gif"  // register GIF decoder
	_ "image/jpeg" // register JPEG decoder
	_ "image/png"  // register PNG decoder
	"io"

	"go.uber.org/zap"

	"github.com/viant/sqlite-dedup/fingerprint"
	"github.com/viant/sqlite-dedup/index"
)

// Result pairs the index outcome with its rendered report.
type Result struct {
	Fingerprint fingerprint.Fingerprint
	Outcome     index.Outcome
	Report      Report
}

// Detector checks chat images for duplicates. It stays agnostic of how
// images are hashed by requiring an EncodeFunc supplied by the caller.
type Detector struct {
	Index    *index.Index
	Encode   fingerprint.EncodeFunc
	Reporter Reporter
	Logger   *zap.Logger
}

// NewDetector constructs a Detector.
func NewDetector(ix *index.Index, encode fingerprint.EncodeFunc, reporter Reporter, logger *zap.Logger) (*Detector, error) {
	if ix == nil {
		return nil, fmt.Errorf("dedup: index is nil")
	}
	if encode == nil {
		return nil, fmt.Errorf("dedup: EncodeFunc is nil")
	}
	if reporter.LinkFormat == "" {
		return nil, fmt.Errorf("dedup: reporter link format is empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{Index: ix, Encode: encode, Reporter: reporter, Logger: logger}, nil
}

// Check records fp for message messageID of chat and reports earlier
// duplicates.
func (d *Detector) Check(ctx context.Context, chat string, messageID int64, fp fingerprint.Fingerprint) (Result, error) {
	out, err := d.Index.CheckAndRecord(ctx, chat, fp, messageID)
	if err != nil {
		return Result{}, err
	}
	rep := d.Reporter.Render(chat, messageID, out)
	if !rep.Empty() {
		d.Logger.Info("duplicate image",
			zap.String("chat", chat),
			zap.Int64("message", messageID),
			zap.Bool("exact", out.Seen()),
			zap.Int("hits", len(rep.Hits)))
	}
	return Result{Fingerprint: fp, Outcome: out, Report: rep}, nil
}

// CheckImage hashes img and runs Check.
func (d *Detector) CheckImage(ctx context.Context, chat string, messageID int64, img image.Image) (Result, error) {
	fp, err := d.Encode(ctx, img)
	if err != nil {
		return Result{}, fmt.Errorf("dedup: encode message %d: %w", messageID, err)
	}
	return d.Check(ctx, chat, messageID, fp)
}

// Hash decodes a JPEG, PNG or GIF image from r and fingerprints it.
func (d *Detector) Hash(ctx context.Context, r io.Reader) (fingerprint.Fingerprint, error) {
	img, format, err := image.Decode(r)
	if err != nil {
		return fingerprint.Fingerprint{}, fmt.Errorf("dedup: decode: %w", err)
	}
	d.Logger.Debug("image decoded", zap.String("format", format))
	return d.Encode(ctx, img)
}

// CheckReader decodes the image in r and runs Check.
func (d *Detector) CheckReader(ctx context.Context, chat string, messageID int64, r io.Reader) (Result, error) {
	fp, err := d.Hash(ctx, r)
	if err != nil {
		return Result{}, fmt.Errorf("dedup: message %d: %w", messageID, err)
	}
	return d.Check(ctx, chat, messageID, fp)
}
