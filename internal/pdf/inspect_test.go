package pdf

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/yourusername/paper-convert/internal/convert"
)

// buildPDF はページ数 pages の最小構成PDFを生成します。
func buildPDF(pages int) []byte {
	var buf bytes.Buffer
	var offsets []int

	writeObj := func(body string) {
		offsets = append(offsets, buf.Len())
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", len(offsets), body)
	}

	buf.WriteString("%PDF-1.4\n")
	writeObj("<< /Type /Catalog /Pages 2 0 R >>")

	kids := ""
	for i := 0; i < pages; i++ {
		kids += fmt.Sprintf("%d 0 R ", 3+i)
	}
	writeObj(fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", kids, pages))
	for i := 0; i < pages; i++ {
		writeObj("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] >>")
	}

	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", len(offsets)+1)
	buf.WriteString("0000000000 65535 f\r\n")
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n\r\n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(offsets)+1, xref)
	return buf.Bytes()
}

func TestInspectCountsPages(t *testing.T) {
	info, err := Inspect(buildPDF(3), Limits{MaxSize: 1 << 20, MaxPages: 10})
	if err != nil {
		t.Fatalf("Inspect returned error: %v", err)
	}
	if info.Pages != 3 || info.MIME != "application/pdf" {
		t.Fatalf("unexpected info: %+v", info)
	}
}

func TestInspectRejections(t *testing.T) {
	cases := []struct {
		name    string
		content []byte
		limits  Limits
		code    string
	}{
		{name: "empty", content: nil, code: convert.CodeInvalidInput},
		{name: "not pdf", content: []byte("hello, world"), code: convert.CodeInvalidInput},
		{name: "too large", content: buildPDF(1), limits: Limits{MaxSize: 10}, code: convert.CodeLimitExceeded},
		{name: "too many pages", content: buildPDF(4), limits: Limits{MaxPages: 2}, code: convert.CodeLimitExceeded},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Inspect(tc.content, tc.limits)
			if got := convert.CodeOf(err); got != tc.code {
				t.Fatalf("code = %s, want %s (err=%v)", got, tc.code, err)
			}
		})
	}
}
