package order

import "strings"

const (
	MetaRemoteOrderID    = "remote_order_id"
	MetaCalendarEventID  = "calendar_event_id"
	MetaTicketIDs        = "ticket_ids"
	MetaNoticeTicketIDs  = "notice_ticket_ids"
	MetaCancelTicketIDs  = "cancel_ticket_ids"
	MetaThirdPartySource = "third_party_source"
)

const listSeparator = ","

func (o *Order) Meta(key string) (string, bool) {
	for _, m := range o.Metadata {
		if m.Key == key {
			return m.Value, true
		}
	}
	return "", false
}

// SetMeta replaces the value of key, adding the slot if missing.
func (o *Order) SetMeta(key, value string) {
	for i := range o.Metadata {
		if o.Metadata[i].Key == key {
			o.Metadata[i].Value = value
			return
		}
	}
	o.Metadata = append(o.Metadata, MetadataEntry{Key: key, Value: value})
}

func (o *Order) MetaList(key string) []string {
	v, ok := o.Meta(key)
	if !ok || v == "" {
		return nil
	}
	return strings.Split(v, listSeparator)
}

func (o *Order) AppendMeta(key string, values ...string) {
	if len(values) == 0 {
		return
	}
	o.SetMeta(key, strings.Join(append(o.MetaList(key), values...), listSeparator))
}
