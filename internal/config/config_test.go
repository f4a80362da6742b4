package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleConfig = `
[AMI]
host = 10.0.0.5
port = 5038
username = b24link
secret = hunter2

[Records]
mp3_dir = /var/spool/asterisk/mp3
keep_source = true

[Allowed_Extens]
extens = 0008, 0009

[EventHandling]
Newchannel = true
QueueCallerJoin = true
DialBegin = true
DialEnd = true
AgentConnect = true
AgentComplete = true
VarSet = true
Hangup = true
Newexten = false

[QueueNames]
701 = Sales
702 = Support

[QueueB24DealCategories]
701 = 5, 7
702 = 9

[QueueB24LeadTarget]
701 = 53, 55
702 = 57

[Bitrix24]
webhook_url = https://example.bitrix24.ru/rest/1/secret/
call_admin_id = 17
lead_uf_list_id = UF_CRM_1701504940069
deal_uf_list_id = CATEGORY_ID

[Bitrix24_Binding_Call]
lead = FILTERED
deal = FILTERED
contact = ALL
company = NONE

[Bitrix24_lead_Target_IDs]
53 = Sales
55 = Partners

[EntityTypes]
lead = Lead
deal = Deal
invoice = Invoice

[Bitrix24EntityTypes]
lead.name = Lead
lead.request = crm.lead.list
deal.name = Deal
deal.request = crm.deal.list

[Logging]
dir = /var/log/b24link
level = info
file = b24link.log
max_size = 20
backup_count = 3
log_ami_events = false

[Logger_bitrix]
level = debug
file = bitrix.log

[Status]
listen = 127.0.0.1:9815
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.ini")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFile(t *testing.T) {
	cfg, err := LoadFile(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	if got := cfg.AMI.Addr(); got != "10.0.0.5:5038" {
		t.Errorf("AMI addr = %q", got)
	}
	if !cfg.Records.KeepSource {
		t.Error("KeepSource should default/parse to true")
	}
	if len(cfg.AllowedExtens) != 2 || cfg.AllowedExtens[0] != "0008" {
		t.Errorf("AllowedExtens = %v", cfg.AllowedExtens)
	}
	if cfg.EventHandling["Newexten"] {
		t.Error("Newexten handling should be disabled")
	}
	if !cfg.EventHandling["QueueCallerJoin"] {
		t.Error("QueueCallerJoin handling should be enabled")
	}
	if cfg.QueueNames["701"] != "Sales" {
		t.Errorf("QueueNames[701] = %q", cfg.QueueNames["701"])
	}
	if got := cfg.QueueLeadTargets["701"]; len(got) != 2 || got[0] != "53" {
		t.Errorf("QueueLeadTargets[701] = %v", got)
	}
	// Trailing slash on the webhook URL is trimmed.
	if cfg.Bitrix.WebhookURL != "https://example.bitrix24.ru/rest/1/secret" {
		t.Errorf("WebhookURL = %q", cfg.Bitrix.WebhookURL)
	}
	if cfg.BindingModes["contact"] != BindAll {
		t.Errorf("BindingModes[contact] = %q", cfg.BindingModes["contact"])
	}
	if cfg.EntityRequests["deal"].Request != "crm.deal.list" {
		t.Errorf("EntityRequests[deal] = %+v", cfg.EntityRequests["deal"])
	}
	if got := cfg.EntityKinds; len(got) != 3 || got[0] != "lead" || got[2] != "invoice" {
		t.Errorf("EntityKinds order = %v", got)
	}
	if ov, ok := cfg.Loggers["bitrix"]; !ok || ov.Level != "debug" || ov.File != "bitrix.log" {
		t.Errorf("Loggers[bitrix] = %+v ok=%v", ov, ok)
	}
	if cfg.StatusListen != "127.0.0.1:9815" {
		t.Errorf("StatusListen = %q", cfg.StatusListen)
	}
}

func TestTargetFieldAndValues(t *testing.T) {
	cfg, err := LoadFile(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	if got := cfg.TargetField("lead"); got != "UF_CRM_1701504940069" {
		t.Errorf("TargetField(lead) = %q", got)
	}
	if got := cfg.TargetField("deal"); got != "CATEGORY_ID" {
		t.Errorf("TargetField(deal) = %q", got)
	}
	if got := cfg.TargetField("contact"); got != "" {
		t.Errorf("TargetField(contact) = %q, want empty", got)
	}
	if got := cfg.TargetValues("deal", "701"); len(got) != 2 || got[1] != "7" {
		t.Errorf("TargetValues(deal, 701) = %v", got)
	}
	if got := cfg.TargetValues("company", "701"); got != nil {
		t.Errorf("TargetValues(company, 701) = %v, want nil", got)
	}
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(string) string
		wantErr bool
	}{
		{"valid", func(s string) string { return s }, false},
		{"missing host", func(s string) string {
			return replaceLine(s, "host = 10.0.0.5", "host =")
		}, true},
		{"bad binding mode", func(s string) string {
			return replaceLine(s, "lead = FILTERED", "lead = SOMETIMES")
		}, true},
		{"bad log level", func(s string) string {
			return replaceLine(s, "level = info", "level = loud")
		}, true},
		{"missing webhook", func(s string) string {
			return replaceLine(s, "webhook_url = https://example.bitrix24.ru/rest/1/secret/", "webhook_url =")
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFile(writeConfig(t, tt.mutate(sampleConfig)))
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr = %v", err, tt.wantErr)
			}
		})
	}
}

func replaceLine(s, old, new string) string {
	return strings.Replace(s, old+"\n", new+"\n", 1)
}
