package service

import (
	"context"
	"time"

	"nuha.dev/fieldsync/internal/device/simplejson"
	"nuha.dev/fieldsync/internal/location"
	"nuha.dev/fieldsync/internal/scheduler"
	"nuha.dev/fieldsync/internal/session"
)

type Tracking struct {
	mgr    *session.Manager
	device DeviceReporter
}

type BasicResponse struct {
	Status int    `json:"status"`
	Error  string `json:"error,omitempty"`
}

type StatusResponse struct {
	SessionId string                   `json:"session_id"`
	UserId    string                   `json:"user_id"`
	Created   time.Time                `json:"created"`
	Scheduler scheduler.Snapshot       `json:"scheduler"`
	Device    *simplejson.DeviceStatus `json:"device,omitempty"`
}

func (t *Tracking) GetStatus(ctx context.Context, res *StatusResponse) {
	sess := sessionFrom(ctx)
	res.SessionId = sess.Id
	res.UserId = sess.UserId
	res.Created = sess.Created
	res.Scheduler = sess.Scheduler.Snapshot()
	if t.device != nil {
		st := t.device.Status()
		res.Device = &st
	}
}

type RestartResponse struct {
	BasicResponse
	Scheduler scheduler.Snapshot `json:"scheduler"`
}

// Restart is the manual re-authorization path: it retries Start on a
// blocked or stopped scheduler. Status is -1 when tracking did not begin.
func (t *Tracking) Restart(ctx context.Context, res *RestartResponse) {
	sess := sessionFrom(ctx)
	snap, err := t.mgr.Restart(sess.Id)
	res.Scheduler = snap
	if err != nil {
		res.Status = -1
		res.Error = err.Error()
	}
}

type DistanceRequest struct {
	Latitude  float64 `json:"latitude" validate:"gte=-90,lte=90"`
	Longitude float64 `json:"longitude" validate:"gte=-180,lte=180"`
}

type DistanceResponse struct {
	Available bool    `json:"available"`
	Meters    float64 `json:"meters"`
}

// Distance measures from the latest tracked position to a site, for the
// closest-site sorting done by the client.
func (t *Tracking) Distance(ctx context.Context, req *DistanceRequest, res *DistanceResponse) {
	snap := sessionFrom(ctx).Scheduler.Snapshot()
	if snap.LatestPosition == nil {
		return
	}
	res.Available = true
	res.Meters = location.Distance(*snap.LatestPosition, location.Position{Latitude: req.Latitude, Longitude: req.Longitude})
}
