package feishu

import (
	"context"
	"strings"
	"sync"

	farmagent "github.com/emufarm/FarmAgent"
	"github.com/emufarm/FarmAgent/internal/config"
	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	larkbitable "github.com/larksuite/oapi-sdk-go/v3/service/bitable/v1"
	"github.com/pkg/errors"
)

// Environment variable names for the fleet status bitable.
const (
	EnvAppID         = "FEISHU_APP_ID"
	EnvAppSecret     = "FEISHU_APP_SECRET"
	EnvFleetAppToken = "FLEET_BITABLE_APP_TOKEN"
	EnvFleetTableID  = "FLEET_BITABLE_TABLE_ID"
)

// Recorder mirrors fleet status rows to a Feishu bitable so operators can
// watch the farm without shelling into the host. One bitable row per device;
// rows are created lazily and updated in place afterwards.
type Recorder struct {
	client   *lark.Client
	appToken string
	tableID  string

	mu        sync.Mutex
	recordIDs map[string]string
}

// NewRecorderFromEnv builds a recorder from environment configuration.
// Returns an error when any of the four variables is unset; callers fall
// back to the noop recorder in that case.
func NewRecorderFromEnv() (*Recorder, error) {
	appID := config.String(EnvAppID, "")
	appSecret := config.String(EnvAppSecret, "")
	appToken := config.String(EnvFleetAppToken, "")
	tableID := config.String(EnvFleetTableID, "")
	if appID == "" || appSecret == "" {
		return nil, errors.New("feishu recorder: app credentials not configured")
	}
	if appToken == "" || tableID == "" {
		return nil, errors.New("feishu recorder: fleet bitable not configured")
	}
	client := lark.NewClient(appID, appSecret, lark.WithLogLevel(larkcore.LogLevelError))
	return &Recorder{
		client:    client,
		appToken:  appToken,
		tableID:   tableID,
		recordIDs: make(map[string]string),
	}, nil
}

// UpsertStatus writes one bitable row per update, keyed by device serial.
func (r *Recorder) UpsertStatus(ctx context.Context, updates []farmagent.FleetStatusUpdate) error {
	for _, update := range updates {
		serial := strings.TrimSpace(update.DeviceSerial)
		if serial == "" {
			continue
		}
		if err := r.upsertOne(ctx, serial, update); err != nil {
			return err
		}
	}
	return nil
}

func (r *Recorder) upsertOne(ctx context.Context, serial string, update farmagent.FleetStatusUpdate) error {
	fields := map[string]interface{}{
		"DeviceSerial": serial,
		"AccountID":    update.AccountID,
		"Status":       update.Status,
		"RunningTask":  update.RunningTask,
		"PendingTasks": strings.Join(update.PendingTasks, ","),
		"LastError":    update.LastError,
		"AgentVersion": update.AgentVersion,
		"LastSeenAt":   update.LastSeenAt.UnixMilli(),
	}
	record := larkbitable.NewAppTableRecordBuilder().Fields(fields).Build()

	r.mu.Lock()
	recordID := r.recordIDs[serial]
	r.mu.Unlock()

	if recordID != "" {
		req := larkbitable.NewUpdateAppTableRecordReqBuilder().
			AppToken(r.appToken).
			TableId(r.tableID).
			RecordId(recordID).
			AppTableRecord(record).
			Build()
		resp, err := r.client.Bitable.V1.AppTableRecord.Update(ctx, req)
		if err != nil {
			return errors.Wrapf(err, "update fleet row for %s", serial)
		}
		if resp.Success() {
			return nil
		}
		// The row may have been deleted from the table; recreate it below.
		r.mu.Lock()
		delete(r.recordIDs, serial)
		r.mu.Unlock()
	}

	req := larkbitable.NewCreateAppTableRecordReqBuilder().
		AppToken(r.appToken).
		TableId(r.tableID).
		AppTableRecord(record).
		Build()
	resp, err := r.client.Bitable.V1.AppTableRecord.Create(ctx, req)
	if err != nil {
		return errors.Wrapf(err, "create fleet row for %s", serial)
	}
	if !resp.Success() {
		return errors.Errorf("create fleet row for %s: %s", serial, resp.Msg)
	}
	if resp.Data != nil && resp.Data.Record != nil && resp.Data.Record.RecordId != nil {
		r.mu.Lock()
		r.recordIDs[serial] = *resp.Data.Record.RecordId
		r.mu.Unlock()
	}
	return nil
}
