package integrations

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/resortops/passkeeper/internal/gateway/skidata"
	"github.com/resortops/passkeeper/internal/ledger"
	"github.com/resortops/passkeeper/internal/models"
	"github.com/resortops/passkeeper/internal/repository"
	"github.com/resortops/passkeeper/internal/swap"
	"github.com/resortops/passkeeper/internal/tracker"
)

func (s *IntegrationSuite) createOrder() *models.Order {
	o := &models.Order{
		ResortID:       7,
		SalesChannel:   "kiosk",
		SkidataOrderID: 500,
		DeviceIDs:      []string{"100200"},
	}
	s.Require().NoError(s.orders.Create(context.Background(), o))
	return o
}

func (s *IntegrationSuite) TestFullPassSwap() {
	order := s.createOrder()
	body := map[string]any{"orderId": order.ID, "oldPassId": "100200", "newPassId": "100300"}

	resp, raw := s.doRequest(http.MethodPost, "/swaps/myth", body)
	s.Equal(http.StatusOK, resp.StatusCode, string(raw))

	resp, raw = s.doRequest(http.MethodPost, "/swaps/skipass", body)
	s.Equal(http.StatusOK, resp.StatusCode, string(raw))

	resp, raw = s.doRequest(http.MethodPost, "/swaps/cancel-skipass",
		map[string]any{"orderId": order.ID, "oldDeviceId": "100200"})
	s.Equal(http.StatusOK, resp.StatusCode, string(raw))

	s.Require().Len(s.calls.swaps, 1)
	s.Equal(7, s.calls.swaps[0].ResortID)
	s.Require().Len(s.calls.creates, 1)
	s.Require().Len(s.calls.cancels, 1)
	s.Equal(skidata.CancelTicketRequest{OrderID: 500, DeviceID: 100200}, s.calls.cancels[0])

	stored, err := s.orders.GetByID(context.Background(), order.ID)
	s.Require().NoError(err)
	s.Equal(int64(9001), stored.SkidataOrderID)
	s.Equal([]int64{500}, stored.PreviousSkidataOrderIDs)
	s.ElementsMatch([]string{"100200", "100300"}, stored.DeviceIDs)

	resp, raw = s.doRequest(http.MethodGet, "/devices/100200/history", nil)
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	var page ledger.Page
	s.Require().NoError(json.Unmarshal(raw, &page))
	s.Require().Equal(2, page.Total)
	s.Equal(models.EventSkidataTicketCancelled, page.Events[0].EventType)
	s.Equal(models.EventMythDeregistered, page.Events[1].EventType)
	s.Equal(testUsername, page.Events[0].InitiatorID)

	resp, raw = s.doRequest(http.MethodGet, "/passes/100200/status", nil)
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	s.JSONEq(`{"passId":"100200","onMyth":false,"skipassActive":false,"activePass":false}`, string(raw))
}

func (s *IntegrationSuite) TestSessionLogIsPersisted() {
	order := s.createOrder()

	resp, _ := s.doRequest(http.MethodPost, "/swaps/cancel-skipass",
		map[string]any{"orderId": order.ID, "oldDeviceId": "100200"})
	s.Require().Equal(http.StatusOK, resp.StatusCode)

	id, err := uuid.Parse(resp.Header.Get("X-Session-ID"))
	s.Require().NoError(err)

	resp, raw := s.doRequest(http.MethodGet, "/sessions/"+id.String(), nil)
	s.Require().Equal(http.StatusOK, resp.StatusCode)

	var l repository.SessionLog
	s.Require().NoError(json.Unmarshal(raw, &l))
	s.Equal("cancel_old_skipass", l.Workflow)
	s.Equal(order.ID, l.OrderID)
	s.Equal(tracker.StatusCompleted, l.Status)
	s.NotEmpty(l.Tasks)
}

func (s *IntegrationSuite) TestUnknownOrder() {
	resp, raw := s.doRequest(http.MethodPost, "/swaps/myth",
		map[string]any{"orderId": 987654, "oldPassId": "100200", "newPassId": "100300"})
	s.Equal(http.StatusNotFound, resp.StatusCode)

	var res swap.Result
	s.Require().NoError(json.Unmarshal(raw, &res))
	s.Equal(swap.KindNotFound, res.ErrorKind)
	s.Empty(s.calls.swaps)
}

func (s *IntegrationSuite) TestHistoryIsAppendOnly() {
	resp, raw := s.doRequest(http.MethodPost, "/devices/123456/history",
		map[string]any{"eventType": "gate_entry", "details": map[string]any{"category": "gate", "data": map[string]any{"gateId": "G1", "granted": true}}})
	s.Require().Equal(http.StatusCreated, resp.StatusCode, string(raw))

	var ev models.DeviceHistoryEvent
	s.Require().NoError(json.Unmarshal(raw, &ev))

	_, err := s.db.Exec("UPDATE device_history_events SET event_type = 'gate_exit' WHERE id = $1", ev.ID)
	s.Error(err)
	_, err = s.db.Exec("DELETE FROM device_history_events WHERE id = $1", ev.ID)
	s.Error(err)
}

func (s *IntegrationSuite) TestHistoryQueryAcrossDevices() {
	for _, serial := range []string{"111111", "222222"} {
		resp, raw := s.doRequest(http.MethodPost, "/devices/"+serial+"/history",
			map[string]any{"eventType": "device_blocked", "processingStatus": "requires_attention"})
		s.Require().Equal(http.StatusCreated, resp.StatusCode, string(raw))
	}
	resp, raw := s.doRequest(http.MethodPost, "/devices/333333/history", map[string]any{"eventType": "device_unblocked"})
	s.Require().Equal(http.StatusCreated, resp.StatusCode, string(raw))

	resp, raw = s.doRequest(http.MethodPost, "/history/query", ledger.Query{
		Filters: []ledger.Filter{{Field: "processingStatus", Op: ledger.OpEq, Value: "requires_attention"}},
	})
	s.Require().Equal(http.StatusOK, resp.StatusCode, string(raw))

	var page ledger.Page
	s.Require().NoError(json.Unmarshal(raw, &page))
	s.Equal(2, page.Total)
}
