package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/zot/basekit/internal/bridge"
	"github.com/zot/basekit/internal/datatree"
	"github.com/zot/basekit/internal/delta"
	"github.com/zot/basekit/internal/mutation"
	"github.com/zot/basekit/internal/path"
	"github.com/zot/basekit/internal/permission"
	"github.com/zot/basekit/internal/simhost"
)

func TestParseMessages(t *testing.T) {
	tests := []struct {
		input   string
		want    []MessageType
		wantErr bool
	}{
		{`{"id":"1","type":"fetchBase"}`, []MessageType{MsgFetchBase}, false},
		{`[{"id":"1","type":"fetchBase"},{"id":"2","type":"fetchCursor"}]`, []MessageType{MsgFetchBase, MsgFetchCursor}, false},
		{`[]`, []MessageType{}, false},
		{`{"id":"1"}`, nil, true},
		{`[{"type":"fetchBase"},{}]`, nil, true},
		{`{not json`, nil, true},
	}
	for _, tt := range tests {
		msgs, err := ParseMessages([]byte(tt.input))
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseMessages(%s) succeeded, want error", tt.input)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseMessages(%s): %v", tt.input, err)
			continue
		}
		if len(msgs) != len(tt.want) {
			t.Errorf("ParseMessages(%s) = %d messages, want %d", tt.input, len(msgs), len(tt.want))
			continue
		}
		for i, msg := range msgs {
			if msg.Type != tt.want[i] {
				t.Errorf("message %d type = %s, want %s", i, msg.Type, tt.want[i])
			}
		}
	}
	if msgs, err := ParseMessages(nil); err != nil || msgs != nil {
		t.Errorf("empty input = %v, %v", msgs, err)
	}
}

func TestEncodeBatchRoundTrip(t *testing.T) {
	a, _ := NewMessage("a", MsgFetchTable, TableRequest{TableID: "tblTasks"})
	b, _ := NewMessage("b", MsgUnsubscribeCursor, nil)

	one, err := EncodeBatch([]*Message{a})
	if err != nil {
		t.Fatal(err)
	}
	if one[0] != '{' {
		t.Errorf("single message should not be wrapped: %s", one)
	}

	both, err := EncodeBatch([]*Message{a, b})
	if err != nil {
		t.Fatal(err)
	}
	msgs, err := ParseMessages(both)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[0].ID != "a" || msgs[1].ID != "b" {
		t.Fatalf("batch = %+v", msgs)
	}
	var req TableRequest
	if err := msgs[0].Decode(&req); err != nil || req.TableID != "tblTasks" {
		t.Errorf("decoded %+v, %v", req, err)
	}
	if err := msgs[1].Decode(&req); err == nil {
		t.Error("decoding a message without data should fail")
	}
}

func TestErrorMessagesKeepValidationDetails(t *testing.T) {
	verr := &mutation.ValidationError{
		Code:     mutation.CodeFieldNotFound,
		Reason:   "no such field",
		TableID:  "tblTasks",
		RecordID: "recShip",
		FieldID:  "fldGone",
	}
	msg := NewError("7", verr)
	if msg.ID != "7" || !msg.IsResponse() {
		t.Fatalf("error message = %+v", msg)
	}

	var em ErrorMessage
	if err := msg.Decode(&em); err != nil {
		t.Fatal(err)
	}
	var back *mutation.ValidationError
	if !errors.As(em.Err(), &back) {
		t.Fatalf("Err() = %T, want *mutation.ValidationError", em.Err())
	}
	if *back != *verr {
		t.Errorf("round trip = %+v, want %+v", back, verr)
	}

	plain := NewErrorMessage(errors.New("host is closed")).Err()
	var remote *RemoteError
	if !errors.As(plain, &remote) || remote.Error() != "host is closed" {
		t.Errorf("plain error = %#v", plain)
	}
}

func TestChangeBatcherKeepsBatchesApart(t *testing.T) {
	b := NewChangeBatcher()
	if !b.IsEmpty() {
		t.Error("new batcher should be empty")
	}
	if msg, err := b.Flush(); msg != nil || err != nil {
		t.Errorf("empty flush = %v, %v", msg, err)
	}

	first := []delta.Change{
		delta.Set(path.Path{"name"}, "Launch"),
		delta.Remove(path.Record("tblTasks", "recShip")),
	}
	second := []delta.Change{delta.Set(path.CellValue("tblTasks", "recTest", "fldEstimate"), 3.0)}
	b.Queue(first)
	b.Queue(nil)
	b.Queue(second)

	if got := b.PendingChanges(); got != 3 {
		t.Errorf("PendingChanges = %d, want 3", got)
	}
	msg, err := b.Flush()
	if err != nil {
		t.Fatal(err)
	}
	if msg.Type != MsgChanges || msg.ID != "" {
		t.Errorf("flushed %s %q", msg.Type, msg.ID)
	}
	var cm ChangesMessage
	if err := json.Unmarshal(msg.Data, &cm); err != nil {
		t.Fatal(err)
	}
	if len(cm.Batches) != 2 || len(cm.Batches[0]) != 2 || len(cm.Batches[1]) != 1 {
		t.Fatalf("batches = %v", cm.Batches)
	}
	if !cm.Batches[0][1].IsRemove() {
		t.Error("remove change lost its kind")
	}
	if !b.IsEmpty() {
		t.Error("flush should empty the batcher")
	}
}

func newHandler(t *testing.T, opts ...simhost.Option) (*simhost.Host, *Handler) {
	t.Helper()
	h, err := simhost.New(simhost.SampleBase(), opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { h.Close() })
	return h, NewHandler(h)
}

func request(t *testing.T, handler *Handler, msgType MessageType, data any) *Message {
	t.Helper()
	msg, err := NewMessage("req", msgType, data)
	if err != nil {
		t.Fatal(err)
	}
	resp := handler.HandleMessage(context.Background(), msg)
	if resp.ID != "req" {
		t.Fatalf("response id = %q", resp.ID)
	}
	return resp
}

func TestHandlerFetchAndUnsubscribe(t *testing.T) {
	host, handler := newHandler(t)

	resp := request(t, handler, MsgFetchTable, TableRequest{TableID: "tblTasks"})
	if resp.Type != MsgResult {
		t.Fatalf("fetch table: %s %s", resp.Type, resp.Data)
	}
	var records map[string]any
	if err := resp.Decode(&records); err != nil {
		t.Fatal(err)
	}
	if _, ok := records["recShip"]; !ok {
		t.Errorf("records = %v", records)
	}
	key := simhost.TableDataKey("tblTasks")
	if !host.IsSubscribed(key) {
		t.Error("fetch should subscribe")
	}

	resp = request(t, handler, MsgUnsubscribeTable, TableRequest{TableID: "tblTasks"})
	if resp.Type != MsgResult {
		t.Errorf("unsubscribe: %s", resp.Type)
	}
	if host.IsSubscribed(key) {
		t.Error("unsubscribe should end the subscription")
	}

	resp = request(t, handler, MsgFetchView, ViewRequest{TableID: "tblTasks", ViewID: "viwMissing"})
	if resp.Type != MsgError {
		t.Errorf("fetching a missing view = %s", resp.Type)
	}
	resp = request(t, handler, MessageType("explode"), nil)
	if resp.Type != MsgError {
		t.Errorf("unknown type = %s", resp.Type)
	}
}

func TestHandlerMutations(t *testing.T) {
	host, handler := newHandler(t, simhost.WithPermission(permission.Edit))

	env, err := mutation.Encode(mutation.DeleteRecords{Table: "tblTasks", RecordIDs: []string{"recShip"}})
	if err != nil {
		t.Fatal(err)
	}
	resp := request(t, handler, MsgCheckPermission, env)
	var check bridge.PermissionCheckResult
	if err := resp.Decode(&check); err != nil {
		t.Fatal(err)
	}
	if !check.HasPermission {
		t.Errorf("edit should allow deleting records: %+v", check)
	}

	resp = request(t, handler, MsgApplyMutation, env)
	if resp.Type != MsgResult {
		t.Fatalf("apply: %s %s", resp.Type, resp.Data)
	}
	if datatree.New(host.Snapshot()).Exists(path.Record("tblTasks", "recShip")) {
		t.Error("recShip should be gone")
	}

	resp = request(t, handler, MsgApplyMutation, env)
	var em ErrorMessage
	if resp.Type != MsgError || resp.Decode(&em) != nil {
		t.Fatalf("second delete: %s", resp.Type)
	}
	if em.Code != mutation.CodeRecordNotFound || em.RecordID != "recShip" {
		t.Errorf("error = %+v", em)
	}

	field, _ := mutation.Encode(mutation.CreateField{Table: "tblTasks", ID: "fldOwner", Name: "Owner", Type: "singleLineText"})
	resp = request(t, handler, MsgApplyMutation, field)
	var denied ErrorMessage
	if resp.Type != MsgError || resp.Decode(&denied) != nil || denied.Code != "" || denied.RecordID != "" {
		t.Errorf("edit must not create fields: %s %+v", resp.Type, denied)
	}
}
