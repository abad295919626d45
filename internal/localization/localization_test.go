package localization

import "testing"

// TestTableLookup 查表命中返回值，查無鍵返回鍵本身
func TestTableLookup(t *testing.T) {
	table := Table{"channels.title": "Canaux"}

	if got := table.Localize("channels.title"); got != "Canaux" {
		t.Errorf("Localize = %q，期望 %q", got, "Canaux")
	}
	if got := table.Localize("unknown.key"); got != "unknown.key" {
		t.Errorf("查無鍵時 = %q，期望返回鍵本身", got)
	}
}

// TestDefaultTable 內建字串表包含行程頻道名稱模板
func TestDefaultTable(t *testing.T) {
	table := Default()
	if got := table.Localize("channel.ride.name"); got != "Course du %s" {
		t.Errorf("channel.ride.name = %q", got)
	}
	if got := table.Localize("channels.section.alert"); got != "Alerte" {
		t.Errorf("channels.section.alert = %q", got)
	}
}
