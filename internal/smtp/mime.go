package smtp

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/korean"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/traditionalchinese"
	"golang.org/x/text/transform"
)

// ParsedEmail 是经典邮件解析后的正文视图。账本只存内联正文，
// 附件在解析阶段即被丢弃。
type ParsedEmail struct {
	Subject string
	From    string
	To      string
	Text    string
	HTML    string
}

// ParseEmail 解析原始邮件字节流，提取主题与文本/HTML 正文。
func ParseEmail(raw []byte) (*ParsedEmail, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse mail: %w", err)
	}

	parsed := &ParsedEmail{
		Subject: decodeHeader(msg.Header.Get("Subject")),
		From:    msg.Header.Get("From"),
		To:      msg.Header.Get("To"),
	}

	mediaType, params, err := mime.ParseMediaType(msg.Header.Get("Content-Type"))
	if err != nil {
		// 缺失或非法的 Content-Type 按纯文本兜底
		raw, _ := io.ReadAll(msg.Body)
		parsed.Text = string(raw)
		return parsed, nil
	}

	if !strings.HasPrefix(mediaType, "multipart/") {
		body, err := readTextPart(msg.Body, msg.Header.Get("Content-Transfer-Encoding"), params["charset"])
		if err != nil {
			return nil, fmt.Errorf("decode body: %w", err)
		}
		if strings.HasPrefix(mediaType, "text/html") {
			parsed.HTML = body
		} else {
			parsed.Text = body
		}
		return parsed, nil
	}

	boundary := params["boundary"]
	if boundary == "" {
		return nil, fmt.Errorf("multipart message without boundary")
	}
	if err := parsed.collectParts(multipart.NewReader(msg.Body, boundary)); err != nil {
		return nil, fmt.Errorf("parse multipart: %w", err)
	}
	return parsed, nil
}

// collectParts 遍历 multipart 结构收集正文。首个 text/plain 与
// 首个 text/html 生效，附件与内联资源一律跳过。
func (p *ParsedEmail) collectParts(mr *multipart.Reader) error {
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		mediaType, params, err := mime.ParseMediaType(part.Header.Get("Content-Type"))
		if err != nil {
			mediaType = "text/plain"
		}

		if isAttachment(part.Header.Get("Content-Disposition")) {
			continue
		}

		// 嵌套 multipart（如 multipart/alternative 套在 mixed 里）
		if strings.HasPrefix(mediaType, "multipart/") {
			if nested := params["boundary"]; nested != "" {
				if err := p.collectParts(multipart.NewReader(part, nested)); err != nil {
					return err
				}
			}
			continue
		}

		body, err := readTextPart(part, part.Header.Get("Content-Transfer-Encoding"), params["charset"])
		if err != nil {
			continue
		}

		switch {
		case strings.HasPrefix(mediaType, "text/html") && p.HTML == "":
			p.HTML = body
		case strings.HasPrefix(mediaType, "text/plain") && p.Text == "":
			p.Text = body
		}
	}
}

func isAttachment(disposition string) bool {
	if disposition == "" {
		return false
	}
	dispType, _, _ := mime.ParseMediaType(disposition)
	return dispType == "attachment" || dispType == "inline"
}

// readTextPart 按传输编码与字符集还原一个文本部分。
func readTextPart(r io.Reader, transferEncoding, charset string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(transferEncoding)) {
	case "base64":
		r = base64.NewDecoder(base64.StdEncoding, r)
	case "quoted-printable":
		r = quotedprintable.NewReader(r)
	}

	body, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}

	if enc := charsetEncoding(strings.ToLower(strings.TrimSpace(charset))); enc != nil {
		if converted, _, err := transform.Bytes(enc.NewDecoder(), body); err == nil {
			body = converted
		}
	}
	return string(body), nil
}

// charsetEncoding 返回非 UTF-8 字符集对应的解码器，未知字符集返回 nil。
func charsetEncoding(charset string) encoding.Encoding {
	switch charset {
	case "gb2312", "gbk", "gb18030":
		return simplifiedchinese.GBK
	case "big5":
		return traditionalchinese.Big5
	case "iso-2022-jp", "shift_jis", "euc-jp":
		return japanese.ShiftJIS
	case "euc-kr", "ks_c_5601-1987":
		return korean.EUCKR
	default:
		return nil
	}
}
