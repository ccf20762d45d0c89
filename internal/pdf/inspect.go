// Package pdf はアップロードされたPDFの検査を提供します。
package pdf

import (
	"bytes"
	"fmt"

	"github.com/gabriel-vasile/mimetype"
	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"

	"github.com/yourusername/paper-convert/internal/convert"
)

const pdfMIME = "application/pdf"

func init() {
	// ユーザー設定ディレクトリの config.yml を作成・参照しない
	pdfapi.DisableConfigDir()
}

// Limits はアップロードの上限値です。0 以下の値は無制限を表します。
type Limits struct {
	MaxSize  int64
	MaxPages int
}

// Info はアップロードされたPDFの基本メタデータです。
type Info struct {
	MIME  string `json:"mime"`
	Size  int64  `json:"size"`
	Pages int    `json:"pages"`
}

// Inspect は content がPDFであることを確認し、サイズとページ数の上限を検証します。
func Inspect(content []byte, limits Limits) (*Info, error) {
	if len(content) == 0 {
		return nil, convert.NewError(convert.CodeInvalidInput, "PDFファイルを選択してください。", nil)
	}

	size := int64(len(content))
	if limits.MaxSize > 0 && size > limits.MaxSize {
		return nil, convert.NewError(convert.CodeLimitExceeded,
			fmt.Sprintf("ファイルサイズが上限(%dMB)を超えています。", limits.MaxSize/(1024*1024)), nil)
	}

	mime := mimetype.Detect(content)
	if !mime.Is(pdfMIME) {
		return nil, convert.NewError(convert.CodeInvalidInput,
			fmt.Sprintf("PDF以外のファイルはアップロードできません（%s）。", mime.String()), nil)
	}

	pages, err := pdfapi.PageCount(bytes.NewReader(content), nil)
	if err != nil {
		return nil, convert.NewError(convert.CodeInvalidInput, "PDFの読み込みに失敗しました。", err)
	}
	if limits.MaxPages > 0 && pages > limits.MaxPages {
		return nil, convert.NewError(convert.CodeLimitExceeded,
			fmt.Sprintf("ページ数が上限(%dページ)を超えています。", limits.MaxPages), nil)
	}

	return &Info{MIME: pdfMIME, Size: size, Pages: pages}, nil
}
