package plugnmeet

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/foxseedlab/ingestbridge/internal/source"
)

const (
	msgNoRecordings = "no recordings found"
	msgNoRooms      = "no active room found"
	fetchPageSize   = 100
)

// Client calls the plugNmeet server API. Every request body is signed with
// HMAC-SHA256 of the api secret and sent along with the api key.
type Client struct {
	host   string
	key    string
	secret string
	client *http.Client
}

func NewClient(host, key, secret string, timeout time.Duration) *Client {
	return &Client{
		host:   strings.TrimRight(host, "/"),
		key:    key,
		secret: secret,
		client: &http.Client{Timeout: timeout},
	}
}

// runningFlag accepts both the boolean and the numeric form of is_running.
type runningFlag bool

func (f *runningFlag) UnmarshalJSON(b []byte) error {
	switch strings.TrimSpace(string(b)) {
	case "true", "1":
		*f = true
	case "false", "0", "null":
		*f = false
	default:
		return fmt.Errorf("invalid is_running value %s", b)
	}
	return nil
}

type roomInfo struct {
	RoomID    string      `json:"room_id"`
	SID       string      `json:"sid"`
	RoomTitle string      `json:"room_title"`
	Metadata  string      `json:"metadata"`
	IsRunning runningFlag `json:"is_running"`
}

func (r roomInfo) toActiveRoom() source.ActiveRoom {
	return source.ActiveRoom{
		RoomID:    r.RoomID,
		SID:       r.SID,
		Title:     r.RoomTitle,
		Metadata:  r.Metadata,
		IsRunning: bool(r.IsRunning),
	}
}

type activeRoom struct {
	RoomInfo roomInfo `json:"room_info"`
}

type baseResponse struct {
	Status bool   `json:"status"`
	Msg    string `json:"msg"`
}

func (c *Client) ActiveRooms(ctx context.Context) ([]source.ActiveRoom, error) {
	var resp struct {
		baseResponse
		Rooms []activeRoom `json:"rooms"`
	}
	if err := c.call(ctx, "room/getActiveRoomsInfo", struct{}{}, &resp); err != nil {
		return nil, err
	}
	if !resp.Status {
		// An idle server says so explicitly; anything else is a failure and
		// must not be read as every room having ended.
		if resp.Rooms == nil && strings.EqualFold(strings.TrimSpace(resp.Msg), msgNoRooms) {
			return nil, nil
		}
		return nil, fmt.Errorf("plugnmeet: listing active rooms failed: %s", resp.Msg)
	}
	out := make([]source.ActiveRoom, 0, len(resp.Rooms))
	for _, r := range resp.Rooms {
		out = append(out, r.RoomInfo.toActiveRoom())
	}
	return out, nil
}

func (c *Client) ActiveRoom(ctx context.Context, roomID string) (source.ActiveRoom, bool, error) {
	var resp struct {
		baseResponse
		Room *activeRoom `json:"room"`
	}
	if err := c.call(ctx, "room/getActiveRoomInfo", map[string]string{"room_id": roomID}, &resp); err != nil {
		return source.ActiveRoom{}, false, err
	}
	if !resp.Status || resp.Room == nil {
		return source.ActiveRoom{}, false, nil
	}
	return resp.Room.RoomInfo.toActiveRoom(), true, nil
}

func (c *Client) CreateRoom(ctx context.Context, req source.CreateRoomRequest) (string, error) {
	md := map[string]any{}
	for k, v := range req.Attributes {
		md[k] = v
	}
	md["room_title"] = req.Title
	if req.ExtraData != "" {
		md["extra_data"] = req.ExtraData
	}
	if _, ok := md["room_features"]; !ok {
		md["room_features"] = map[string]any{}
	}
	body := map[string]any{
		"room_id":  req.RoomID,
		"metadata": md,
	}

	var resp struct {
		baseResponse
		RoomInfo *roomInfo `json:"room_info"`
	}
	if err := c.call(ctx, "room/create", body, &resp); err != nil {
		return "", err
	}
	if !resp.Status {
		return "", fmt.Errorf("room/create rejected: %s", resp.Msg)
	}
	if resp.RoomInfo == nil {
		return "", nil
	}
	return resp.RoomInfo.SID, nil
}

type recordingInfo struct {
	RecordID     string  `json:"record_id"`
	RoomID       string  `json:"room_id"`
	RoomSID      string  `json:"room_sid"`
	FilePath     string  `json:"file_path"`
	FileSize     float64 `json:"file_size"`
	CreationTime int64   `json:"creation_time"`
}

type fetchRecordingsRequest struct {
	RoomIDs []string `json:"room_ids"`
	From    int      `json:"from"`
	Limit   int      `json:"limit"`
	OrderBy string   `json:"order_by"`
}

// FetchRecordings pages through every recording of the given rooms.
func (c *Client) FetchRecordings(ctx context.Context, roomIDs []string) ([]source.PlatformRecording, error) {
	var out []source.PlatformRecording
	for from := 0; ; {
		var resp struct {
			baseResponse
			Result *struct {
				TotalRecordings int64           `json:"total_recordings"`
				RecordingsList  []recordingInfo `json:"recordings_list"`
			} `json:"result"`
		}
		req := fetchRecordingsRequest{RoomIDs: roomIDs, From: from, Limit: fetchPageSize, OrderBy: "ASC"}
		if err := c.call(ctx, "recording/fetch", req, &resp); err != nil {
			return nil, err
		}
		if resp.Msg == msgNoRecordings {
			return out, nil
		}
		if !resp.Status || resp.Result == nil {
			return nil, fmt.Errorf("recording/fetch failed: %s", resp.Msg)
		}
		for _, r := range resp.Result.RecordingsList {
			out = append(out, source.PlatformRecording{
				RecordID:     r.RecordID,
				RoomID:       r.RoomID,
				RoomSID:      r.RoomSID,
				FilePath:     r.FilePath,
				FileSize:     r.FileSize,
				CreationTime: r.CreationTime,
			})
		}
		from += len(resp.Result.RecordingsList)
		if len(resp.Result.RecordingsList) < fetchPageSize || int64(from) >= resp.Result.TotalRecordings {
			return out, nil
		}
	}
}

func (c *Client) DeleteRecording(ctx context.Context, recordID string) error {
	var resp baseResponse
	if err := c.call(ctx, "recording/delete", map[string]string{"record_id": recordID}, &resp); err != nil {
		return err
	}
	if !resp.Status {
		return fmt.Errorf("recording/delete rejected: %s", resp.Msg)
	}
	return nil
}

func (c *Client) call(ctx context.Context, path string, body, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.host+"/auth/"+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("API-KEY", c.key)
	req.Header.Set("HASH-SIGNATURE", Sign(c.secret, b))

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s returned status %d", path, resp.StatusCode)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s: invalid response: %w", path, err)
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches body under secret.
func Verify(secret string, body []byte, signature string) bool {
	want, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), want)
}
