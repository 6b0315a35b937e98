package aggregate_test

import (
	"testing"
	"time"

	"github.com/onnwee/hookpulse/internal/aggregate"
)

func TestCursor_ParseKeepsColonsInSubject(t *testing.T) {
	b := aggregate.Bucket{
		SubjectKind: aggregate.KindUser,
		Subject:     "team:alice",
		Category:    aggregate.CategoryAll,
		Width:       time.Hour,
		BucketStart: t0,
		Revision:    2,
	}
	c, err := aggregate.ParseCursor(aggregate.CursorAt(b).Encode())
	if err != nil {
		t.Fatalf("ParseCursor() error = %v", err)
	}
	if !c.BucketStart.Equal(t0) || c.Subject != "team:alice" || c.Category != aggregate.CategoryAll ||
		c.SubjectKind != aggregate.KindUser || c.Width != time.Hour || c.Revision != 2 {
		t.Errorf("ParseCursor() = %+v", *c)
	}

	for _, bad := range []string{"123", "x:60:0:session:all:S1", "1:60:0:planet:all:S1"} {
		if _, err := aggregate.ParseCursor(bad); err == nil {
			t.Errorf("ParseCursor(%q) succeeded", bad)
		}
	}
}

func TestCursor_AfterOrdersEveryKeyPart(t *testing.T) {
	base := aggregate.Bucket{
		SubjectKind: aggregate.KindSession,
		Subject:     "S1",
		Category:    aggregate.CategoryAll,
		Width:       time.Minute,
		BucketStart: t0,
	}
	c := aggregate.CursorAt(base)
	if c.After(base) {
		t.Error("a bucket must not sort after its own cursor")
	}

	revised := base
	revised.Revision = 1
	wider := base
	wider.Width = 24 * time.Hour
	later := base
	later.BucketStart = t0.Add(time.Minute)
	for name, b := range map[string]aggregate.Bucket{"revision": revised, "width": wider, "start": later} {
		if !c.After(b) {
			t.Errorf("%s: bucket should sort after the cursor", name)
		}
	}
	if aggregate.CursorAt(wider).After(revised) {
		t.Error("a wider bucket sorts after every revision of a narrower one")
	}
}
