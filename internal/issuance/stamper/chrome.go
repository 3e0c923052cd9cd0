package stamper

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"html/template"
	"image"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

// ChromeRenderer lays the certificate out as an HTML page and screenshots it
// in headless Chromium. Templates may be PNG, JPEG or SVG.
type ChromeRenderer struct {
	execPath string
	timeout  time.Duration
}

func NewChromeRenderer(execPath string, timeout time.Duration) ChromeRenderer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return ChromeRenderer{execPath: execPath, timeout: timeout}
}

var pageTemplate = template.Must(template.New("certificate").Parse(`<!doctype html>
<html>
<head>
  <meta charset="utf-8" />
  <style>
    html, body { margin: 0; padding: 0; }
    #page { position: relative; width: {{.Width}}px; height: {{.Height}}px; overflow: hidden; }
    #page > img { position: absolute; }
  </style>
</head>
<body>
  <div id="page">
    <img id="template" src="{{.Template}}" style="left:0;top:0;width:{{.Width}}px;height:{{.Height}}px" />
    <img id="qr" src="{{.QR}}" style="left:{{.X}}px;top:{{.Y}}px;width:{{.Size}}px;height:{{.Size}}px" />
  </div>
</body>
</html>
`))

type pageData struct {
	Template template.URL
	QR       template.URL
	Width    int
	Height   int
	X        int
	Y        int
	Size     int
}

func (r ChromeRenderer) Render(ctx context.Context, in RenderInput) ([]byte, error) {
	content, err := os.ReadFile(in.TemplatePath)
	if err != nil {
		return nil, fmt.Errorf("read template: %w", err)
	}
	width, height, err := templateSize(in.TemplatePath, content)
	if err != nil {
		return nil, err
	}
	if in.Layout.QRX+in.Layout.QRSize > width || in.Layout.QRY+in.Layout.QRSize > height {
		return nil, fmt.Errorf("%w: qr at (%d,%d) size %d on %dx%d", ErrQROutOfBounds,
			in.Layout.QRX, in.Layout.QRY, in.Layout.QRSize, width, height)
	}

	var html bytes.Buffer
	err = pageTemplate.Execute(&html, pageData{
		Template: dataURL(mimeFor(in.TemplatePath), content),
		QR:       dataURL("image/png", in.QR),
		Width:    width,
		Height:   height,
		X:        in.Layout.QRX,
		Y:        in.Layout.QRY,
		Size:     in.Layout.QRSize,
	})
	if err != nil {
		return nil, fmt.Errorf("render html: %w", err)
	}

	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
	)
	if r.execPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(r.execPath))
	}
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, allocOpts...)
	defer cancelAlloc()

	runCtx, cancelRun := chromedp.NewContext(allocCtx)
	defer cancelRun()
	runCtx, cancelTimeout := context.WithTimeout(runCtx, r.timeout)
	defer cancelTimeout()

	var shot []byte
	err = chromedp.Run(runCtx,
		emulation.SetDeviceMetricsOverride(int64(width), int64(height), 1, false),
		chromedp.Navigate("about:blank"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			tree, err := page.GetFrameTree().Do(ctx)
			if err != nil {
				return err
			}
			return page.SetDocumentContent(tree.Frame.ID, html.String()).Do(ctx)
		}),
		chromedp.WaitReady("#qr", chromedp.ByID),
		chromedp.ActionFunc(func(ctx context.Context) error {
			buf, err := page.CaptureScreenshot().
				WithFormat(page.CaptureScreenshotFormatPng).
				WithClip(&page.Viewport{Width: float64(width), Height: float64(height), Scale: 1}).
				Do(ctx)
			if err == nil {
				shot = buf
			}
			return err
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("chromedp run failed: %w", err)
	}
	return shot, nil
}

func templateSize(path string, content []byte) (int, int, error) {
	if strings.EqualFold(filepath.Ext(path), ".svg") {
		return svgSize(content)
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(content))
	if err != nil {
		return 0, 0, fmt.Errorf("decode template size: %w", err)
	}
	return cfg.Width, cfg.Height, nil
}

func mimeFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".svg":
		return "image/svg+xml"
	default:
		return "image/png"
	}
}

func dataURL(mime string, content []byte) template.URL {
	return template.URL("data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(content))
}

// svgSize reads the root element's width and height, falling back to viewBox.
func svgSize(content []byte) (int, int, error) {
	dec := xml.NewDecoder(bytes.NewReader(content))
	for {
		tok, err := dec.Token()
		if err != nil {
			return 0, 0, fmt.Errorf("decode svg template: %w", err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != "svg" {
			continue
		}
		var w, h int
		var viewBox string
		for _, attr := range start.Attr {
			switch attr.Name.Local {
			case "width":
				w, _ = strconv.Atoi(strings.TrimSuffix(attr.Value, "px"))
			case "height":
				h, _ = strconv.Atoi(strings.TrimSuffix(attr.Value, "px"))
			case "viewBox":
				viewBox = attr.Value
			}
		}
		if (w == 0 || h == 0) && viewBox != "" {
			parts := strings.Fields(strings.ReplaceAll(viewBox, ",", " "))
			if len(parts) == 4 {
				vw, _ := strconv.ParseFloat(parts[2], 64)
				vh, _ := strconv.ParseFloat(parts[3], 64)
				w, h = int(vw), int(vh)
			}
		}
		if w <= 0 || h <= 0 {
			return 0, 0, fmt.Errorf("svg template has no usable size")
		}
		return w, h, nil
	}
}
