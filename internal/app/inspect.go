package app

import (
	"bytes"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"
)

// documentInfo is lightweight metadata pulled from the upload payload
// before it is shipped to the remote vector store.
type documentInfo struct {
	Title     string
	PageCount int
}

// inspectDocument extracts a display title and page count. Inspection
// is best-effort: any parse failure yields empty metadata, never an
// upload failure.
func inspectDocument(fileName string, data []byte) documentInfo {
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".pdf":
		return inspectPDF(fileName, data)
	case ".html", ".htm":
		return inspectHTML(fileName, data)
	default:
		return inspectText(fileName, data)
	}
}

func inspectPDF(fileName string, data []byte) documentInfo {
	info := documentInfo{Title: titleFromFileName(fileName)}
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return info
	}
	info.PageCount = reader.NumPage()

	// First-page text often opens with the sermon title.
	if info.PageCount >= 1 {
		page := reader.Page(1)
		if !page.V.IsNull() {
			if text, err := page.GetPlainText(nil); err == nil {
				if line := firstLine(text); line != "" {
					info.Title = line
				}
			}
		}
	}
	return info
}

func inspectHTML(fileName string, data []byte) documentInfo {
	info := documentInfo{Title: titleFromFileName(fileName)}
	doc, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return info
	}
	if title := findHTMLTitle(doc); title != "" {
		info.Title = title
	}
	return info
}

func inspectText(fileName string, data []byte) documentInfo {
	info := documentInfo{Title: titleFromFileName(fileName)}
	if line := firstLine(string(data)); line != "" {
		info.Title = line
	}
	return info
}

func findHTMLTitle(n *html.Node) string {
	if n.Type == html.ElementNode && n.Data == "title" && n.FirstChild != nil {
		return strings.TrimSpace(n.FirstChild.Data)
	}
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		if title := findHTMLTitle(child); title != "" {
			return title
		}
	}
	return ""
}

func firstLine(text string) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(strings.ToValidUTF8(line, ""))
		if line == "" {
			continue
		}
		const maxTitle = 120
		if runes := []rune(line); len(runes) > maxTitle {
			line = string(runes[:maxTitle])
		}
		return line
	}
	return ""
}

func titleFromFileName(fileName string) string {
	base := strings.TrimSuffix(filepath.Base(fileName), filepath.Ext(fileName))
	return strings.TrimSpace(strings.NewReplacer("_", " ", "-", " ").Replace(base))
}
