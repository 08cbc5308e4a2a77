package remoteclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cesanta/errors"
	"github.com/golang/glog"

	"github.com/espbrew/espbrew/internal/board"
	"github.com/espbrew/espbrew/internal/espbrewerr"
	"github.com/espbrew/espbrew/internal/mdnsadv"
)

// connectTimeout bounds every individual request to a remote espbrewd,
// per spec.md §4.10.
const connectTimeout = 10 * time.Second

// fetchBoardsMaxRetries is the bounded retry count for GET /boards, per
// original_source/src/remote/discovery.rs's retry-with-backoff shape
// around transient network failures.
const fetchBoardsMaxRetries = 3

// Client talks to one remote espbrewd over its HTTP/WebSocket surface.
type Client struct {
	BaseURL    *url.URL
	HTTPClient *http.Client
}

// Resolve builds a Client from either an explicit server URL or, if
// explicitURL is empty, the first server discovered via mDNS within
// browseTimeout (spec.md §4.10: "a user may name a server explicitly or
// let espbrew find one").
func Resolve(ctx context.Context, explicitURL string, browseTimeout time.Duration) (*Client, error) {
	if explicitURL != "" {
		u, err := ValidateServerURL(explicitURL)
		if err != nil {
			return nil, err
		}
		return New(u), nil
	}

	advs, err := mdnsadv.Browse(ctx, browseTimeout)
	if err != nil {
		return nil, espbrewerr.New(espbrewerr.KindRemoteUnreachable, "mDNS browse failed: "+err.Error())
	}
	if len(advs) == 0 {
		return nil, espbrewerr.New(espbrewerr.KindRemoteUnreachable, "no espbrewd servers found via mDNS")
	}
	adv := advs[0]
	raw := fmt.Sprintf("http://%s:%d", adv.Host, adv.Port)
	u, err := ValidateServerURL(raw)
	if err != nil {
		return nil, err
	}
	return New(u), nil
}

func New(base *url.URL) *Client {
	return &Client{
		BaseURL:    base,
		HTTPClient: &http.Client{Timeout: connectTimeout},
	}
}

func (c *Client) apiURL(pathSuffix string) string {
	base := strings.TrimRight(c.BaseURL.String(), "/")
	return base + "/api/v1" + pathSuffix
}

// FetchBoards retrieves the board list, retrying up to
// fetchBoardsMaxRetries times on network-level failure (not on a
// well-formed non-2xx HTTP response, which is treated as authoritative),
// per original_source/src/remote/discovery.rs.
func (c *Client) FetchBoards(ctx context.Context) ([]board.ConnectedBoard, error) {
	var lastErr error
	for attempt := 0; attempt <= fetchBoardsMaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * 200 * time.Millisecond
			glog.V(1).Infof("remoteclient: retrying GET /boards (attempt %d) after %s", attempt+1, backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		boards, err := c.fetchBoardsOnce(ctx)
		if err == nil {
			return boards, nil
		}
		lastErr = err
		if espbrewerr.KindOf(err) == espbrewerr.KindRemoteRejected {
			// Server responded; retrying the same request won't help.
			return nil, err
		}
	}
	return nil, espbrewerr.New(espbrewerr.KindRemoteUnreachable, "GET /boards failed after retries: "+lastErr.Error())
}

func (c *Client) fetchBoardsOnce(ctx context.Context) ([]board.ConnectedBoard, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL("/boards"), nil)
	if err != nil {
		return nil, errors.Trace(err)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, espbrewerr.New(espbrewerr.KindRemoteUnreachable, err.Error())
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, espbrewerr.WithStatus(espbrewerr.KindRemoteRejected, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var boards []board.ConnectedBoard
	if err := json.Unmarshal(body, &boards); err != nil {
		return nil, espbrewerr.New(espbrewerr.KindRemoteProtocolError, err.Error())
	}
	return boards, nil
}

// SelectBoard picks one board from a list by MAC/unique_id, logical
// name, or board_id; if selector is empty and exactly one board is
// Available, it is returned. With several Available boards an empty
// selector is an error; none of them is picked.
func SelectBoard(boards []board.ConnectedBoard, selector string) (board.ConnectedBoard, error) {
	if selector == "" {
		var avail []board.ConnectedBoard
		for _, b := range boards {
			if b.Status == board.StatusAvailable {
				avail = append(avail, b)
			}
		}
		if len(avail) == 1 {
			return avail[0], nil
		}
		if len(avail) == 0 {
			return board.ConnectedBoard{}, espbrewerr.New(espbrewerr.KindPortNotFound, "no available boards on remote server")
		}
		return board.ConnectedBoard{}, espbrewerr.New(espbrewerr.KindInvalidFlashPlan,
			fmt.Sprintf("%d boards available, specify one by id/MAC/name", len(avail)))
	}

	for _, b := range boards {
		if b.BoardID == selector || b.Identity.UniqueID == selector || b.LogicalName == selector {
			return b, nil
		}
	}
	return board.ConnectedBoard{}, espbrewerr.New(espbrewerr.KindPortNotFound, "no board matches "+selector)
}

// FlashResult is the outcome of a remote flash request.
type FlashResult struct {
	OK      bool
	Message string
}

// FlashSingleBinary uploads one binary to flash at offset on boardID,
// the remote counterpart of a local single-file flash (spec.md §4.10).
func (c *Client) FlashSingleBinary(ctx context.Context, boardID string, binaryPath string, offset uint32) (FlashResult, error) {
	data, err := os.ReadFile(binaryPath)
	if err != nil {
		return FlashResult{}, errors.Annotatef(err, "failed to read %s", binaryPath)
	}

	plan := &board.Plan{
		Config:   board.FlashConfig{Mode: board.FlashModeDIO, Freq: board.FlashFreq40M, Size: board.FlashSizeDetect},
		Segments: []board.Segment{{Offset: offset, Bytes: data, Name: "app"}},
	}
	filenames := []string{filepath.Base(binaryPath)}
	return c.uploadPlan(ctx, boardID, plan, filenames)
}

// FlashArgsPlan uploads every binary segment in plan, the remote
// counterpart of a local ESP-IDF flash_args-driven flash (spec.md
// §4.10). Each segment is uploaded under the file name "<name>.bin";
// buildDir only prefixes that name locally and is stripped before
// upload, so it does not change the request.
func (c *Client) FlashArgsPlan(ctx context.Context, boardID string, plan *board.Plan, buildDir string) (FlashResult, error) {
	filenames := make([]string, len(plan.Segments))
	for i, seg := range plan.Segments {
		filenames[i] = filepath.Join(buildDir, seg.Name+".bin")
	}
	return c.uploadPlan(ctx, boardID, plan, filenames)
}

// uploadPlan encodes plan into the multipart body spec.md §4.8
// documents: "binary_count" plus flash_mode/flash_freq/flash_size text
// fields, and per segment i a "binary_i" file part with
// "binary_i_name"/"binary_i_offset"/"binary_i_filename" text fields.
func (c *Client) uploadPlan(ctx context.Context, boardID string, plan *board.Plan, filenames []string) (FlashResult, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	if err := mw.WriteField("binary_count", strconv.Itoa(len(plan.Segments))); err != nil {
		return FlashResult{}, errors.Trace(err)
	}
	if err := mw.WriteField("flash_mode", string(plan.Config.Mode)); err != nil {
		return FlashResult{}, errors.Trace(err)
	}
	if err := mw.WriteField("flash_freq", string(plan.Config.Freq)); err != nil {
		return FlashResult{}, errors.Trace(err)
	}
	if err := mw.WriteField("flash_size", string(plan.Config.Size)); err != nil {
		return FlashResult{}, errors.Trace(err)
	}

	for i, seg := range plan.Segments {
		idx := strconv.Itoa(i)
		filename := filenames[i]

		part, err := mw.CreateFormFile("binary_"+idx, filepath.Base(filename))
		if err != nil {
			return FlashResult{}, errors.Trace(err)
		}
		if _, err := part.Write(seg.Bytes); err != nil {
			return FlashResult{}, errors.Trace(err)
		}
		if err := mw.WriteField("binary_"+idx+"_name", seg.Name); err != nil {
			return FlashResult{}, errors.Trace(err)
		}
		if err := mw.WriteField("binary_"+idx+"_offset", "0x"+strconv.FormatUint(uint64(seg.Offset), 16)); err != nil {
			return FlashResult{}, errors.Trace(err)
		}
		if err := mw.WriteField("binary_"+idx+"_filename", filepath.Base(filename)); err != nil {
			return FlashResult{}, errors.Trace(err)
		}
	}
	if err := mw.Close(); err != nil {
		return FlashResult{}, errors.Trace(err)
	}

	return c.postFlash(ctx, boardID, &body, mw.FormDataContentType())
}

func (c *Client) postFlash(ctx context.Context, boardID string, body *bytes.Buffer, contentType string) (FlashResult, error) {
	uri := c.apiURL("/boards/" + boardID + "/flash")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uri, body)
	if err != nil {
		return FlashResult{}, errors.Trace(err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return FlashResult{}, espbrewerr.New(espbrewerr.KindRemoteUnreachable, err.Error())
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return FlashResult{OK: false, Message: strings.TrimSpace(string(respBody))},
			espbrewerr.WithStatus(espbrewerr.KindRemoteRejected, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	return FlashResult{OK: true}, nil
}
