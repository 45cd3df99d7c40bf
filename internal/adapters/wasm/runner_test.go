package wasm

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"c2dagent/internal/compute"
	"c2dagent/internal/logging"
)

// addModule exports add(i64, i64) -> i64.
var addModule = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x07, 0x01, 0x60, 0x02, 0x7e, 0x7e, 0x01, 0x7e,
	0x03, 0x02, 0x01, 0x00,
	0x07, 0x07, 0x01, 0x03, 'a', 'd', 'd', 0x00, 0x00,
	0x0a, 0x09, 0x01, 0x07, 0x00, 0x20, 0x00, 0x20, 0x01, 0x7c, 0x0b,
}

// spinModule exports spin() which calls itself forever.
var spinModule = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x04, 0x01, 0x60, 0x00, 0x00,
	0x03, 0x02, 0x01, 0x00,
	0x07, 0x08, 0x01, 0x04, 's', 'p', 'i', 'n', 0x00, 0x00,
	0x0a, 0x06, 0x01, 0x04, 0x00, 0x10, 0x00, 0x0b,
}

func TestRunnerCallsEntry(t *testing.T) {
	require := require.New(t)
	r := NewRunner(RunnerConfig{Log: logging.Discard})

	report, err := r.Run(context.Background(), addModule, Invocation{Entry: "add", Args: []uint64{2, 40}})
	require.NoError(err)
	require.Equal("add", report.Entry)
	require.Equal([]uint64{42}, report.Results)
	require.Equal([]uint64{2, 40}, report.Args)
	require.GreaterOrEqual(report.Calls, uint64(1))

	out := report.Output(nil)
	require.Equal("42", out.Output)
	require.Equal(float64(report.Calls), out.Metrics["calls"])
}

func TestRunnerEnforcesCallLimit(t *testing.T) {
	r := NewRunner(RunnerConfig{CallLimit: 100, Timeout: 5 * time.Second, Log: logging.Discard})
	_, err := r.Run(context.Background(), spinModule, Invocation{Entry: "spin"})
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrCallLimit), "unexpected error: %v", err)
}

func TestRunnerRejectsMissingEntry(t *testing.T) {
	r := NewRunner(RunnerConfig{Log: logging.Discard})
	_, err := r.Run(context.Background(), addModule, Invocation{Entry: "mul"})
	require.ErrorContains(t, err, `"mul" not found`)

	_, err = r.Run(context.Background(), nil, Invocation{})
	require.Error(t, err)
}

func TestParseReportPicksLastReportLine(t *testing.T) {
	logs := "starting\n{\"entry\":\"fib\",\"args\":[10],\"results\":[55],\"calls\":177}\n2024/01/01 entry=fib\n"
	report, ok := ParseReport(logs)
	require.True(t, ok)
	require.Equal(t, "fib", report.Entry)
	require.Equal(t, []uint64{55}, report.Results)

	_, ok = ParseReport("fake logs")
	require.False(t, ok)
}

type mapFetcher map[string][]byte

func (m mapFetcher) FetchModule(_ context.Context, ref string) ([]byte, error) {
	return m.get(ref)
}

func (m mapFetcher) FetchInput(_ context.Context, ref string) ([]byte, error) {
	return m.get(ref)
}

func (m mapFetcher) get(ref string) ([]byte, error) {
	b, ok := m[ref]
	if !ok {
		return nil, fmt.Errorf("%s not found", ref)
	}
	return b, nil
}

func TestLocalMarketplaceRunsJob(t *testing.T) {
	require := require.New(t)
	fetcher := mapFetcher{
		"bafy-add":   addModule,
		"bafy-input": []byte(`{"entry":"add","args":[20,22]}`),
	}
	m := NewLocalMarketplace(NewRunner(RunnerConfig{Log: logging.Discard}), fetcher, logging.Discard)
	m.Register(compute.Asset{ID: "did:op:algo", Kind: "algorithm", URI: "bafy-add"})
	m.Register(compute.Asset{ID: "did:op:data", Kind: "dataset", URI: "bafy-input"})
	require.NoError(m.Health(context.Background()))

	receipt, err := m.OrderAsset(context.Background(), compute.Asset{ID: "did:op:algo"})
	require.NoError(err)
	require.NotEmpty(receipt.TxID)

	id, err := m.SubmitJob(context.Background(), compute.JobRequest{DatasetID: "did:op:data", AlgorithmID: "did:op:algo"})
	require.NoError(err)
	m.Wait()

	st, err := m.JobStatus(context.Background(), id)
	require.NoError(err)
	require.Equal(compute.StateCompleted, st.State)
	require.NotNil(st.Result)
	require.Equal("42", st.Result.Output)
	require.Len(st.Result.Logs, 1)
}

func TestLocalMarketplaceReportsFailure(t *testing.T) {
	require := require.New(t)
	fetcher := mapFetcher{"bafy-add": addModule, "bafy-input": []byte(`{"entry":"missing"}`)}
	m := NewLocalMarketplace(NewRunner(RunnerConfig{Log: logging.Discard}), fetcher, logging.Discard)
	m.Register(compute.Asset{ID: "algo", URI: "bafy-add"})
	m.Register(compute.Asset{ID: "data", URI: "bafy-input"})

	id, err := m.SubmitJob(context.Background(), compute.JobRequest{DatasetID: "data", AlgorithmID: "algo"})
	require.NoError(err)
	m.Wait()

	st, err := m.JobStatus(context.Background(), id)
	require.NoError(err)
	require.Equal(compute.StateFailed, st.State)
	require.Contains(st.Error, "missing")

	_, err = m.ResolveAsset(context.Background(), "unknown")
	require.Error(err)
}
