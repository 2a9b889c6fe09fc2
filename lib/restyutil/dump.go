// Package restyutil dumps the HTTP exchanges of a resty client, used to debug
// rules against a live source.
package restyutil

import (
	"fmt"
	"sync/atomic"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel/semconv/v1.13.0/httpconv"
	"go.opentelemetry.io/otel/trace"
)

type Output interface {
	Write(id string, contents string)
}

type dumper struct {
	output  Output
	counter *uint64
}

// Dump writes every completed exchange of client to output, named by a
// sequence number. A nil output leaves the client untouched.
func Dump(client *resty.Client, output Output) {
	if output == nil {
		return
	}
	var counter uint64
	d := dumper{output: output, counter: &counter}
	client.OnAfterResponse(d.onAfterResponse)
	client.OnError(d.onError)
}

func (d dumper) next() string {
	return fmt.Sprintf("%05d", atomic.AddUint64(d.counter, 1))
}

func (d dumper) onAfterResponse(_ *resty.Client, res *resty.Response) error {
	span := trace.SpanFromContext(res.Request.Context())
	if res.RawResponse != nil {
		span.SetAttributes(httpconv.ClientResponse(res.RawResponse)...)
	}
	if res.Request.RawRequest != nil {
		span.SetAttributes(httpconv.ClientRequest(res.Request.RawRequest)...)
	}
	d.output.Write(d.next(), FormatExchange(res))
	return nil
}

func (d dumper) onError(req *resty.Request, err error) {
	d.output.Write(d.next(), fmt.Sprintf("---- REQUEST ----\n\n%s %s\n\n---- ERROR ----\n\n%s", req.Method, req.URL, err))
}
