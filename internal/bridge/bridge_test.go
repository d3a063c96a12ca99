package bridge

import (
	"encoding/json"
	"testing"

	redismock "github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketmux/marketmux/internal/bus"
	"github.com/marketmux/marketmux/internal/model"
)

func TestBridgeRepublishesTrades(t *testing.T) {
	db, mock := redismock.NewClientMock()
	br := NewWithCmdable(db)
	b := bus.New(nil)
	br.Attach(b)

	trade := model.Trade{
		Exchange: "coinbase", Symbol: "BTC/USD",
		Price: 100, Amount: 1, Side: model.SideBuy, TimestampMillis: 1000,
	}
	raw, err := json.Marshal(trade)
	require.NoError(t, err)
	mock.ExpectPublish("md:trade:coinbase:BTC/USD", raw).SetVal(1)

	b.Publish(bus.Signal{Type: bus.NewTrade, Payload: trade})
	b.Drain()

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBridgeRepublishesCandleUpdates(t *testing.T) {
	db, mock := redismock.NewClientMock()
	br := NewWithCmdable(db)
	b := bus.New(nil)
	br.Attach(b)

	upd := bus.CandleUpdatePayload{
		Exchange:  "kraken",
		Symbol:    "ETH/USD",
		Timeframe: model.TF5m,
		Bar:       model.Candle{TimestampSeconds: 300, Open: 10, High: 11, Low: 9, Close: 10.5, Volume: 4},
	}
	raw, err := json.Marshal(wireCandle{
		Exchange: "kraken", Symbol: "ETH/USD", Timeframe: "5m", Candle: upd.Bar,
	})
	require.NoError(t, err)
	mock.ExpectPublish("md:candle:kraken:ETH/USD:5m", raw).SetVal(1)

	b.Publish(bus.Signal{Type: bus.UpdatedCandle, Payload: upd})
	b.Drain()

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBridgePublishFailureDoesNotStopDrain(t *testing.T) {
	db, mock := redismock.NewClientMock()
	br := NewWithCmdable(db)
	b := bus.New(nil)
	br.Attach(b)

	var after int
	b.Subscribe(bus.NewTrade, func(bus.Signal) { after++ })

	trade := model.Trade{Exchange: "coinbase", Symbol: "BTC/USD", Price: 1, Amount: 1}
	raw, _ := json.Marshal(trade)
	mock.ExpectPublish("md:trade:coinbase:BTC/USD", raw).SetErr(assert.AnError)

	b.Publish(bus.Signal{Type: bus.NewTrade, Payload: trade})
	b.Drain()

	assert.Equal(t, 1, after)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBridgeDetachStopsForwarding(t *testing.T) {
	db, mock := redismock.NewClientMock()
	br := NewWithCmdable(db)
	b := bus.New(nil)
	br.Attach(b)
	br.Detach(b)

	b.Publish(bus.Signal{Type: bus.NewTrade, Payload: model.Trade{Exchange: "coinbase", Symbol: "BTC/USD", Price: 1, Amount: 1}})
	b.Drain()

	// No expectations set; any publish would have failed the mock.
	require.NoError(t, mock.ExpectationsWereMet())
}
