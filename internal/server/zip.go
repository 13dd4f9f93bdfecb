package server

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"catalog-imager/internal/models"
	"catalog-imager/internal/service"
)

const (
	fetchTimeout = 30 * time.Second
	maxRedirects = 5
)

// newFetcher builds the client used for zip downloads. Result urls come from
// workers, so it never dials loopback, private or link-local addresses and
// follows redirects only to allowed hosts.
func (s *Server) newFetcher() *http.Client {
	dialer := &net.Dialer{Timeout: 10 * time.Second, Control: refuseInternal}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = nil
	transport.DialContext = dialer.DialContext

	return &http.Client{
		Timeout:   fetchTimeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return errors.New("too many redirects")
			}
			return s.checkResultURL(req.URL.String())
		},
	}
}

// refuseInternal runs after name resolution, so address is always an ip.
func refuseInternal(_, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return fmt.Errorf("unexpected dial address %q", address)
	}
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() || ip.IsMulticast() ||
		ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsInterfaceLocalMulticast() {
		return fmt.Errorf("refusing to fetch from internal address %s", ip)
	}
	return nil
}

func (s *Server) checkResultURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Hostname() == "" {
		return fmt.Errorf("%w: unusable image url %q", models.ErrFetchFailed, raw)
	}
	if !service.HostAllowed(u.Hostname(), s.cfg.ResultHosts) {
		return fmt.Errorf("%w: image host %q is not allowed", models.ErrFetchFailed, u.Hostname())
	}
	return nil
}

// handleZipDownload streams every image of a download package as one zip.
// Checks run before the first byte is written so errors keep their status.
func (s *Server) handleZipDownload(c *gin.Context) {
	const op = "server.handleZipDownload"

	pkg, err := s.deps.Requests.GetDownloadPackage(c.Request.Context(), c.Param("id"), c.Query("type"))
	if err != nil {
		s.writeError(c, op, err)
		return
	}
	for _, img := range pkg.Images {
		if err := s.checkResultURL(img.DownloadURL); err != nil {
			s.log.LogWarnf("%s: request %s: %v", op, pkg.RequestID, err)
			s.writeError(c, op, err)
			return
		}
	}

	c.Header("Content-Type", "application/zip")
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s_%s.zip"`, pkg.RequestID, pkg.DownloadType))
	c.Status(http.StatusOK)

	zw := zip.NewWriter(c.Writer)
	names := make(map[string]bool, len(pkg.Images))
	for _, img := range pkg.Images {
		name := uniqueName(names, img.SuggestedFilename)
		if err := s.copyInto(c.Request.Context(), zw, name, img.DownloadURL); err != nil {
			// headers are gone; the truncated archive is all the client gets
			s.log.LogErrorf("%s: request %s, %s: %v", op, pkg.RequestID, name, err)
			_ = zw.Close()
			return
		}
	}
	if err := zw.Close(); err != nil {
		s.log.LogErrorf("%s: closing archive for %s: %v", op, pkg.RequestID, err)
	}
}

func (s *Server) copyInto(ctx context.Context, zw *zip.Writer, name, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := s.deps.Fetcher.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: %s", url, resp.Status)
	}

	w, err := zw.Create(name)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, resp.Body)
	return err
}

// uniqueName suffixes repeated filenames (a.jpg, a_2.jpg, a_3.jpg) until the
// name is not taken yet.
func uniqueName(taken map[string]bool, name string) string {
	base, ext := name, ""
	if i := strings.LastIndex(name, "."); i > 0 {
		base, ext = name[:i], name[i:]
	}
	candidate := name
	for n := 2; taken[candidate]; n++ {
		candidate = fmt.Sprintf("%s_%d%s", base, n, ext)
	}
	taken[candidate] = true
	return candidate
}
