package main

import (
	"context"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaygw/pkg/ledger"
	"relaygw/pkg/packer"
	"relaygw/pkg/transport"
	ttcp "relaygw/pkg/transport/tcp"
	"relaygw/pkg/transport/transporttest"
	"relaygw/pkg/transport/udp"
)

func TestBuildRecords(t *testing.T) {
	rs, err := buildRecords(3, "")
	require.NoError(t, err)
	require.Len(t, rs, 3)
	assert.False(t, rs[0].Transaction.Equal(rs[1].Transaction))

	rs, err = buildRecords(2, "abcd")
	require.NoError(t, err)
	assert.True(t, rs[0].Transaction.Equal(rs[1].Transaction))
	tx := rs[0].Transaction.Bytes()
	assert.Equal(t, []byte{0xab, 0xcd, 0}, tx[:3])

	_, err = buildRecords(0, "")
	assert.Error(t, err)
	_, err = buildRecords(1, "zz")
	assert.Error(t, err)
	_, err = buildRecords(1, strings.Repeat("00", ledger.TransactionSize+1))
	assert.Error(t, err)
}

func TestFormatRecord(t *testing.T) {
	rs, err := buildRecords(1, "0102030405060708ff")
	require.NoError(t, err)
	s := formatRecord("10.0.0.1", rs[0])
	assert.True(t, strings.HasPrefix(s, "from=10.0.0.1 tx=0102030405060708… hash="))
}

func TestSendStream(t *testing.T) {
	srv := ttcp.New(ttcp.Options{Host: "127.0.0.1"})
	rec := transporttest.Record(srv)
	require.NoError(t, srv.Run(context.Background()))
	defer srv.Shutdown(context.Background())

	rs, err := buildRecords(2, "")
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, sendStream(ctx, srv.Addr().String(), rs, 0, nil))

	require.Eventually(t, func() bool { return len(rec.Receives()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, rec.Receives()[0].Data.Transaction.Equal(rs[0].Transaction))
}

func TestSendGatewayUDP(t *testing.T) {
	srv := udp.New(udp.Options{Host: "127.0.0.1"})
	rec := transporttest.Record(srv)
	require.NoError(t, srv.Run(context.Background()))
	defer srv.Shutdown(context.Background())

	port := srv.Addr().(*net.UDPAddr).Port
	rs, err := buildRecords(1, "")
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, sendGateway(ctx, "udp", "127.0.0.1:"+strconv.Itoa(port), 0, rs, 0, func(string, packer.Data) {}))

	require.Eventually(t, func() bool { return len(rec.Receives()) == 1 }, 2*time.Second, 5*time.Millisecond)
	got := rec.Receives()[0]
	assert.Equal(t, packer.RequestHashSize, got.Data.RequestHash.Len())
	assert.Equal(t, transport.KindUDP, srv.Kind())
}
