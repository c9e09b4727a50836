package chat

type Kind string

const (
	KindNewMessage       Kind = "new_message"
	KindContractApproved Kind = "contract_approved"
	KindContractRejected Kind = "contract_rejected"
)

const kindKey = "type"

// Payload is the typed form of the opaque data map carried on a pending
// notification row and on the broadcast envelope.
type Payload interface {
	Kind() Kind
	Data() map[string]string
}

type NewMessagePayload struct {
	ContractID string
	SenderID   string
	MessageID  string
}

func (NewMessagePayload) Kind() Kind { return KindNewMessage }

func (p NewMessagePayload) Data() map[string]string {
	return map[string]string{
		kindKey:       string(KindNewMessage),
		"contract_id": p.ContractID,
		"sender_id":   p.SenderID,
		"message_id":  p.MessageID,
	}
}

type ContractApprovedPayload struct {
	ContractID string
	LineNumber string
}

func (ContractApprovedPayload) Kind() Kind { return KindContractApproved }

func (p ContractApprovedPayload) Data() map[string]string {
	return map[string]string{
		kindKey:       string(KindContractApproved),
		"contract_id": p.ContractID,
		"line_number": p.LineNumber,
	}
}

type ContractRejectedPayload struct {
	ContractID string
	Reason     string
}

func (ContractRejectedPayload) Kind() Kind { return KindContractRejected }

func (p ContractRejectedPayload) Data() map[string]string {
	return map[string]string{
		kindKey:       string(KindContractRejected),
		"contract_id": p.ContractID,
		"reason":      p.Reason,
	}
}

// UnknownPayload keeps a data map whose kind this build does not understand.
type UnknownPayload struct {
	Raw map[string]string
}

func (p UnknownPayload) Kind() Kind {
	if p.Raw == nil {
		return ""
	}
	return Kind(p.Raw[kindKey])
}

func (p UnknownPayload) Data() map[string]string {
	out := make(map[string]string, len(p.Raw))
	for k, v := range p.Raw {
		out[k] = v
	}
	return out
}

func DecodePayload(data map[string]string) Payload {
	switch Kind(data[kindKey]) {
	case KindNewMessage:
		return NewMessagePayload{
			ContractID: data["contract_id"],
			SenderID:   data["sender_id"],
			MessageID:  data["message_id"],
		}
	case KindContractApproved:
		return ContractApprovedPayload{
			ContractID: data["contract_id"],
			LineNumber: data["line_number"],
		}
	case KindContractRejected:
		return ContractRejectedPayload{
			ContractID: data["contract_id"],
			Reason:     data["reason"],
		}
	default:
		return UnknownPayload{Raw: data}
	}
}

// IsKnown reports whether p is one of the kinds intake can surface.
func IsKnown(p Payload) bool {
	_, unknown := p.(UnknownPayload)
	return p != nil && !unknown
}
