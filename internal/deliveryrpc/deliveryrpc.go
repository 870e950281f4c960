// Package deliveryrpc defines the wire shape of the inter-process
// protocol the Queue Manager and its delivery agents (mta-smtp,
// mta-local, mta-pipe) speak over localrpc (§6: "length-prefixed
// name=value attribute lists over UNIX-domain sockets for delivery
// requests; one decimal status code in ASCII as response").
//
// The Supervisor forks one delivery-agent process per connection,
// handing it the accepted socket on a fixed descriptor (§4.4); the
// forked process reads exactly one Deliver request off that connection,
// performs the delivery, writes back one Result per recipient, and
// exits. The Queue Manager is the only client.
package deliveryrpc

import (
	"net/url"
	"strconv"
)

// Method is the single RPC method every delivery agent registers.
const Method = "deliver"

// Request is what the Queue Manager sends: one Entry's worth of work
// (§4.5.2's aggregation of up to RecipientLimit recipients sharing a
// destination). The message content itself isn't shipped over the
// wire: QueueDir/QueueID/Dir tell the delivery agent where to read it
// directly off the shared filesystem, matching how the queue file
// format is used everywhere else in this system.
type Request struct {
	QueueDir   string
	Dir        string
	QueueID    string
	From       string
	NextHop    string
	Recipients []string
}

// Result is one recipient's outcome, as reported back by the delivery
// agent for qmgr_entry_done (§4.5).
type Result struct {
	Recipient string
	Status    string // "ok", "perm", or "temp"
	Reason    string
}

const (
	StatusOK   = "ok"
	StatusPerm = "perm"
	StatusTemp = "temp"
)

// EncodeRequest marshals req into the url.Values a localrpc.Client.Call
// sends as the request body.
func EncodeRequest(req Request) url.Values {
	v := url.Values{}
	v.Set("queuedir", req.QueueDir)
	v.Set("dir", req.Dir)
	v.Set("id", req.QueueID)
	v.Set("from", req.From)
	v.Set("nexthop", req.NextHop)
	for _, r := range req.Recipients {
		v.Add("rcpt", r)
	}
	return v
}

// DecodeRequest is the inverse of EncodeRequest, used on the delivery
// agent side.
func DecodeRequest(v url.Values) Request {
	return Request{
		QueueDir:   v.Get("queuedir"),
		Dir:        v.Get("dir"),
		QueueID:    v.Get("id"),
		From:       v.Get("from"),
		NextHop:    v.Get("nexthop"),
		Recipients: v["rcpt"],
	}
}

// EncodeResults marshals a slice of per-recipient outcomes into the
// url.Values a localrpc handler returns.
func EncodeResults(results []Result) url.Values {
	v := url.Values{}
	v.Set("n", strconv.Itoa(len(results)))
	for i, r := range results {
		p := strconv.Itoa(i)
		v.Set("rcpt"+p, r.Recipient)
		v.Set("status"+p, r.Status)
		v.Set("reason"+p, r.Reason)
	}
	return v
}

// DecodeResults is the inverse of EncodeResults, used on the Queue
// Manager side after a delivery agent call returns.
func DecodeResults(v url.Values) []Result {
	n, _ := strconv.Atoi(v.Get("n"))
	results := make([]Result, 0, n)
	for i := 0; i < n; i++ {
		p := strconv.Itoa(i)
		results = append(results, Result{
			Recipient: v.Get("rcpt" + p),
			Status:    v.Get("status" + p),
			Reason:    v.Get("reason" + p),
		})
	}
	return results
}
