// MIT License
//
// Copyright 2018 Canonical Ledgers, LLC
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to
// deal in the Software without restriction, including without limitation the
// rights to use, copy, modify, merge, publish, distribute, sublicense, and/or
// sell copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING
// FROM, OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS
// IN THE SOFTWARE.

package srv

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	jrpc "github.com/AdamSLevy/jsonrpc2/v13"

	"github.com/hivepool/payoutd/node"
	"github.com/hivepool/payoutd/node/conversions"
	"github.com/hivepool/payoutd/node/store"
)

func (s *APIServer) jrpcMethods() jrpc.MethodMap {
	return jrpc.MethodMap{
		"get-status":         s.getStatus,
		"get-eligible":       s.getEligible,
		"get-reward-cache":   s.getRewardCache,
		"get-failed-payouts": s.getFailedPayouts,
		"get-payout-history": s.getPayoutHistory,
		"get-run-summaries":  s.getRunSummaries,
	}
}

type ResultGetStatus struct {
	Account     string            `json:"account"`
	Node        string            `json:"node"`
	DryRun      bool              `json:"dryrun"`
	WindowStart time.Time         `json:"windowstart"`
	WindowEnd   time.Time         `json:"windowend"`
	Cutoff      time.Time         `json:"cutoff"`
	QueuedCount int               `json:"queuedcount"`
	LastRun     *store.RunSummary `json:"lastrun,omitempty"`
}

func (s *APIServer) getStatus(ctx context.Context, data json.RawMessage) interface{} {
	if err := validate(data, nil); err != nil {
		return err
	}

	var res ResultGetStatus
	res.Account = s.Node.Account
	res.Node = s.Node.Hive.CurrentNode()
	res.DryRun = s.Node.DryRun

	now := time.Now().In(s.Node.Location)
	res.WindowStart, res.WindowEnd = s.Node.Window(now)
	res.Cutoff = s.Node.Cutoff(now)

	queue, err := s.Node.FailedPayouts()
	if err != nil {
		return ErrorStoreUnavailable
	}
	for _, failures := range queue {
		res.QueuedCount += len(failures)
	}

	summaries, err := s.Node.Log.SelectRunSummaries(ctx, 1)
	if err != nil {
		return ErrorStoreUnavailable
	}
	if len(summaries) > 0 {
		res.LastRun = &summaries[0]
	}
	return res
}

type ResultGetEligible struct {
	Cutoff   time.Time         `json:"cutoff"`
	Total    string            `json:"total"`
	Balances map[string]string `json:"balances"`
}

func (s *APIServer) getEligible(_ context.Context, data json.RawMessage) interface{} {
	if err := validate(data, nil); err != nil {
		return err
	}

	eligible, cutoff, err := s.Node.Eligible()
	if err != nil {
		return ErrorStoreUnavailable
	}

	var res ResultGetEligible
	res.Cutoff = cutoff
	res.Balances = make(map[string]string, len(eligible))
	var total int64
	for delegator, vests := range eligible {
		res.Balances[delegator] = conversions.FormatVests(vests)
		total += vests
	}
	res.Total = conversions.FormatVests(total)
	return res
}

type ResultGetRewardCache struct {
	Total   string            `json:"total"`
	Entries map[string]string `json:"entries"`
}

func (s *APIServer) getRewardCache(_ context.Context, data json.RawMessage) interface{} {
	if err := validate(data, nil); err != nil {
		return err
	}

	cache, err := s.Node.RewardCache()
	if err != nil {
		return ErrorStoreUnavailable
	}

	var res ResultGetRewardCache
	res.Entries = make(map[string]string, len(cache))
	for delegator, nano := range cache {
		res.Entries[delegator] = conversions.FormatHiveFull(nano)
	}
	res.Total = conversions.FormatHiveFull(cache.Total())
	return res
}

func (s *APIServer) getFailedPayouts(_ context.Context, data json.RawMessage) interface{} {
	if err := validate(data, nil); err != nil {
		return err
	}

	queue, err := s.Node.FailedPayouts()
	if err != nil {
		return ErrorStoreUnavailable
	}
	if queue == nil {
		queue = make(node.FailedQueue)
	}
	return queue
}

type ResultGetPayoutHistory struct {
	Payouts []store.HistoryEntry `json:"payouts"`
	Count   int                  `json:"count"`
}

func (s *APIServer) getPayoutHistory(ctx context.Context, data json.RawMessage) interface{} {
	params := ParamsGetHistory{}
	if err := validate(data, &params); err != nil {
		return err
	}

	entries, err := s.Node.Log.SelectPayouts(ctx, params.count())
	if err != nil {
		return ErrorStoreUnavailable
	}

	var res ResultGetPayoutHistory
	res.Payouts = entries
	res.Count = len(entries)
	return res
}

func (s *APIServer) getRunSummaries(ctx context.Context, data json.RawMessage) interface{} {
	params := ParamsGetHistory{}
	if err := validate(data, &params); err != nil {
		return err
	}

	summaries, err := s.Node.Log.SelectRunSummaries(ctx, params.count())
	if err != nil {
		return ErrorStoreUnavailable
	}
	return summaries
}

func validate(data json.RawMessage, params Params) error {
	if params == nil {
		if len(data) > 0 {
			return jrpc.ErrorInvalidParams(`no "params" accepted`)
		}
		return nil
	}
	if len(data) == 0 {
		return params.IsValid()
	}
	if err := unmarshalStrict(data, params); err != nil {
		return jrpc.ErrorInvalidParams(err.Error())
	}
	return params.IsValid()
}

func unmarshalStrict(data []byte, v interface{}) error {
	b := bytes.NewBuffer(data)
	d := json.NewDecoder(b)
	d.DisallowUnknownFields()
	return d.Decode(v)
}
