package bitrix

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/b24link/b24link/internal/config"
)

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := &config.Config{
		Bitrix: config.BitrixConfig{
			WebhookURL:   srv.URL,
			CallAdminID:  "17",
			LeadTargetUF: "UF_CRM_TARGET",
			DealTargetUF: "CATEGORY_ID",
		},
		EntityKinds: []string{"lead", "deal"},
		EntityRequests: map[string]config.EntityRequest{
			"lead": {Name: "Lead", Request: "crm.lead.list"},
			"deal": {Name: "Deal", Request: "crm.deal.list"},
		},
	}
	return NewClient(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestFindContactByPhonePicksRichestName(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/crm.contact.list" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("filter[PHONE]"); got != "+79991110000" {
			t.Errorf("filter[PHONE] = %q", got)
		}
		io.WriteString(w, `{"result":[
			{"ID":"1","NAME":"Ivan","LAST_NAME":"","SECOND_NAME":""},
			{"ID":"2","NAME":"Ivan","LAST_NAME":"Petrov","SECOND_NAME":""},
			{"ID":"3","NAME":"Ivan","LAST_NAME":"Sidorov","SECOND_NAME":""}
		]}`)
	}))

	contact, err := client.FindContactByPhone(context.Background(), "+79991110000")
	if err != nil {
		t.Fatalf("FindContactByPhone: %v", err)
	}
	// Two candidates tie on two populated fields; the first returned wins.
	if contact == nil || contact.ID != "2" {
		t.Errorf("contact = %+v, want ID 2", contact)
	}
	if contact.FullName() != "Ivan Petrov" {
		t.Errorf("FullName = %q", contact.FullName())
	}
}

func TestFindContactByPhoneNoMatch(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"result":[]}`)
	}))

	contact, err := client.FindContactByPhone(context.Background(), "+70000000000")
	if err != nil {
		t.Fatalf("FindContactByPhone: %v", err)
	}
	if contact != nil {
		t.Errorf("contact = %+v, want nil", contact)
	}
}

func TestEntitiesForFiltersAndSkips(t *testing.T) {
	var dealRequested bool
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/crm.lead.list":
			if got := r.URL.Query()["filter[!STATUS_ID][]"]; len(got) != 2 {
				t.Errorf("terminal status filter = %v", got)
			}
			io.WriteString(w, `{"result":[
				{"ID":"10","TITLE":"Fresh","STATUS_ID":"NEW","UF_CRM_TARGET":"53"},
				{"ID":"11","TITLE":"Old","STATUS_ID":"CONVERTED","UF_CRM_TARGET":"53"}
			]}`)
		case "/crm.deal.list":
			dealRequested = true
			io.WriteString(w, `{"result":[]}`)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))

	// Without a contact id, deals must not be queried at all.
	entities, err := client.EntitiesFor(context.Background(), "", "+79991110000")
	if err != nil {
		t.Fatalf("EntitiesFor: %v", err)
	}
	if dealRequested {
		t.Error("deal lookup issued without contact id")
	}
	leads := entities["lead"]
	if len(leads) != 1 || leads[0].ID != "10" {
		t.Errorf("leads = %+v", leads)
	}
	if v, ok := leads[0].Field("UF_CRM_TARGET"); !ok || v != "53" {
		t.Errorf("target field = %q ok=%v", v, ok)
	}
}

func TestRegisterCallParsesCreatedEntities(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatal(err)
		}
		if got := r.PostForm.Get("CRM_CREATE"); got != "1" {
			t.Errorf("CRM_CREATE = %q", got)
		}
		if got := r.PostForm.Get("TYPE"); got != "2" {
			t.Errorf("TYPE = %q", got)
		}
		io.WriteString(w, `{"result":{
			"CALL_ID":"externalCall.abc",
			"CRM_CREATED_LEAD":204,
			"CRM_CREATED_ENTITIES":[{"ENTITY_TYPE":"LEAD","ENTITY_ID":204}]
		}}`)
	}))

	rc, err := client.RegisterCall(context.Background(), RegisterCallRequest{
		UserID: "17", Phone: "+79991110000", Type: 2, LineNumber: "0008",
	})
	if err != nil {
		t.Fatalf("RegisterCall: %v", err)
	}
	if rc.CallID != "externalCall.abc" || rc.CreatedLead != "204" {
		t.Errorf("registered call = %+v", rc)
	}
	if len(rc.CreatedEntities) != 1 || rc.CreatedEntities[0].ID != "204" || rc.CreatedEntities[0].Type != "LEAD" {
		t.Errorf("created entities = %+v", rc.CreatedEntities)
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name string
		h    http.HandlerFunc
		want ErrorKind
	}{
		{"http status", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}, KindHTTP},
		{"missing result", func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, `{"error":"QUERY_LIMIT_EXCEEDED"}`)
		}, KindSemantic},
		{"null result", func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, `{"result":null}`)
		}, KindSemantic},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := testClient(t, tt.h)
			_, err := client.FinishCall(context.Background(), "c1", "17", 42)
			if got := KindOf(err); got != tt.want {
				t.Errorf("KindOf = %v, want %v (err=%v)", got, tt.want, err)
			}
		})
	}
}

func TestErrorClassificationTransport(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	// Point the client at a closed port.
	client.webhookURL = "http://127.0.0.1:1"

	err := client.ShowCallWindow(context.Background(), "c1", "42")
	if got := KindOf(err); got != KindTransport {
		t.Errorf("KindOf = %v, want transport (err=%v)", got, err)
	}
}

func TestAttachRecordingTwoStep(t *testing.T) {
	recording := filepath.Join(t.TempDir(), "rec.mp3")
	if err := os.WriteFile(recording, []byte("ID3 fake audio"), 0o644); err != nil {
		t.Fatal(err)
	}

	var uploaded bool
	mux := http.NewServeMux()
	var client *Client
	mux.HandleFunc("/telephony.externalcall.attachRecord", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatal(err)
		}
		if got := r.PostForm.Get("FILENAME"); got != "rec.mp3" {
			t.Errorf("FILENAME = %q", got)
		}
		io.WriteString(w, `{"result":{"uploadUrl":"`+client.webhookURL+`/upload"}}`)
	})
	mux.HandleFunc("/upload", func(w http.ResponseWriter, r *http.Request) {
		f, hdr, err := r.FormFile("file")
		if err != nil {
			t.Fatalf("FormFile: %v", err)
		}
		defer f.Close()
		body, _ := io.ReadAll(f)
		if hdr.Filename != "rec.mp3" || string(body) != "ID3 fake audio" {
			t.Errorf("uploaded %q (%d bytes)", hdr.Filename, len(body))
		}
		uploaded = true
	})

	client = testClient(t, mux)
	if err := client.AttachRecording(context.Background(), "c1", recording); err != nil {
		t.Fatalf("AttachRecording: %v", err)
	}
	if !uploaded {
		t.Error("file was never posted to the upload url")
	}
}

func TestFinishCall(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatal(err)
		}
		if got := r.PostForm.Get("DURATION"); got != "73" {
			t.Errorf("DURATION = %q", got)
		}
		io.WriteString(w, `{"result":{"CRM_ACTIVITY_ID":9001}}`)
	}))

	activityID, err := client.FinishCall(context.Background(), "c1", "17", 73)
	if err != nil {
		t.Fatalf("FinishCall: %v", err)
	}
	if activityID != "9001" {
		t.Errorf("activityID = %q", activityID)
	}
}
