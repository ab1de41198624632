package amqp

import (
	"github.com/pkg/errors"

	"github.com/skiff-io/amqp/internal/encoding"
	"github.com/skiff-io/amqp/internal/frames"
)

// LinkOption is a function for configuring an AMQP link.
//
// A link may be a Sender or a Receiver.
type LinkOption func(*link) error

// LinkName sets the name of the link.
//
// The link names must be unique per-connection and direction.
//
// Default: randomly generated.
func LinkName(name string) LinkOption {
	return func(l *link) error {
		l.key.name = name
		return nil
	}
}

// LinkProperty sets an entry in the link properties map sent to the server.
//
// This option can be set multiple times. Insertion order is preserved
// on the wire.
func LinkProperty(key, value string) LinkOption {
	return linkProperty(key, value)
}

// LinkPropertyInt64 sets an int64 entry in the link properties map sent to the server.
//
// This option can be set multiple times.
func LinkPropertyInt64(key string, value int64) LinkOption {
	return linkProperty(key, value)
}

// LinkPropertyInt32 sets an int32 entry in the link properties map sent to the server.
//
// This option can be set multiple times.
func LinkPropertyInt32(key string, value int32) LinkOption {
	return linkProperty(key, value)
}

func linkProperty(key string, value interface{}) LinkOption {
	return func(l *link) error {
		if key == "" {
			return errors.New("link property key must not be empty")
		}
		if l.properties == nil {
			l.properties = &encoding.Fields{}
		}
		l.properties.Set(encoding.Symbol(key), value)
		return nil
	}
}

// LinkSourceAddress sets the source address.
func LinkSourceAddress(addr string) LinkOption {
	return func(l *link) error {
		if l.source == nil {
			l.source = new(frames.Source)
		}
		l.source.Address = addr
		return nil
	}
}

// LinkTargetAddress sets the target address.
func LinkTargetAddress(addr string) LinkOption {
	return func(l *link) error {
		if l.target == nil {
			l.target = new(frames.Target)
		}
		l.target.Address = addr
		return nil
	}
}

// LinkAddressDynamic requests a dynamically created address from the server.
func LinkAddressDynamic() LinkOption {
	return func(l *link) error {
		l.dynamicAddr = true
		if l.source != nil {
			l.source.Address = ""
		}
		if l.target != nil {
			l.target.Address = ""
		}
		return nil
	}
}

// LinkCredit specifies the maximum number of unacknowledged messages
// the sender can transmit. Defaults to 1.
func LinkCredit(credit uint32) LinkOption {
	return func(l *link) error {
		if l.receiver == nil {
			return errors.New("LinkCredit is not valid for Sender")
		}

		l.receiver.maxCredit = credit
		return nil
	}
}

// LinkWithManualCredits enables manual credit management for this link.
// Credits can be added with IssueCredit(), and links can also be drained
// with DrainCredit().
func LinkWithManualCredits() LinkOption {
	return func(l *link) error {
		if l.receiver == nil {
			return errors.New("LinkWithManualCredits is not valid for Sender")
		}

		l.receiver.manualCreditor = &manualCreditor{}
		return nil
	}
}

// LinkAutoAccept causes the receiver to settle incoming deliveries
// with the accepted outcome as soon as they are returned from Receive.
func LinkAutoAccept() LinkOption {
	return func(l *link) error {
		if l.receiver == nil {
			return errors.New("LinkAutoAccept is not valid for Sender")
		}
		l.receiver.autoAccept = true
		return nil
	}
}

// LinkSenderSettle sets the requested sender settlement mode.
//
// If a settlement mode is explicitly set and the server does not
// honor it an error will be returned during link attachment.
//
// Default: Accept the settlement mode set by the server.
func LinkSenderSettle(mode SenderSettleMode) LinkOption {
	return func(l *link) error {
		if mode > ModeMixed {
			return errors.Errorf("invalid SenderSettlementMode %d", mode)
		}
		l.senderSettleMode = &mode
		return nil
	}
}

// LinkReceiverSettle sets the requested receiver settlement mode.
//
// If a settlement mode is explicitly set and the server does not
// honor it an error will be returned during link attachment.
//
// Default: Accept the settlement mode set by the server.
func LinkReceiverSettle(mode ReceiverSettleMode) LinkOption {
	return func(l *link) error {
		if mode > ModeSecond {
			return errors.Errorf("invalid ReceiverSettlementMode %d", mode)
		}
		l.receiverSettleMode = &mode
		return nil
	}
}

// LinkSelectorFilter sets a selector filter (apache.org:selector-filter:string) on the link source.
func LinkSelectorFilter(filter string) LinkOption {
	// <descriptor name="apache.org:selector-filter:string" code="0x0000468C:0x00000004"/>
	return LinkSourceFilter("apache.org:selector-filter:string", 0x0000468C00000004, filter)
}

// LinkSourceFilter is an advanced API for setting non-standard source filters.
// Please file an issue or open a PR if a standard filter is missing from this
// library.
//
// The name is the key for the filter map. It will be encoded as an AMQP symbol type.
//
// The code is the descriptor of the described type value. The domain-id and descriptor-id
// should be concatenated together. If 0 is passed as the code, the name will be used as
// the descriptor.
//
// The value is the value of the descriped types. Acceptable types for value are specific
// to the filter.
//
// Example:
//
// The standard selector-filter is defined as:
//
//	<descriptor name="apache.org:selector-filter:string" code="0x0000468C:0x00000004"/>
//
// In this case the name is "apache.org:selector-filter:string" and the code is
// 0x0000468C00000004.
//
//	LinkSourceFilter("apache.org:selector-filter:string", 0x0000468C00000004, exampleValue)
func LinkSourceFilter(name string, code uint64, value interface{}) LinkOption {
	return func(l *link) error {
		if l.source == nil {
			l.source = new(frames.Source)
		}
		if l.source.Filter == nil {
			l.source.Filter = &encoding.Filter{}
		}

		var descriptor interface{}
		if code != 0 {
			descriptor = code
		} else {
			descriptor = encoding.Symbol(name)
		}

		l.source.Filter.Set(encoding.Symbol(name), &encoding.DescribedType{
			Descriptor: descriptor,
			Value:      value,
		})
		return nil
	}
}

// LinkSourceCapabilities sets the source capabilities.
func LinkSourceCapabilities(capabilities ...string) LinkOption {
	return func(l *link) error {
		if l.source == nil {
			l.source = new(frames.Source)
		}

		// Convert string to symbol
		symbolCapabilities := make([]encoding.Symbol, len(capabilities))
		for i, v := range capabilities {
			symbolCapabilities[i] = encoding.Symbol(v)
		}

		l.source.Capabilities = append(l.source.Capabilities, symbolCapabilities...)
		return nil
	}
}

// LinkSourceDurability sets the source durability policy.
//
// Default: DurabilityNone.
func LinkSourceDurability(d Durability) LinkOption {
	return func(l *link) error {
		if d > DurabilityUnsettledState {
			return errors.Errorf("invalid Durability %d", d)
		}
		if l.source == nil {
			l.source = new(frames.Source)
		}
		l.source.Durable = d
		return nil
	}
}

// LinkSourceExpiryPolicy sets the source expiration policy.
//
// Default: ExpirySessionEnd.
func LinkSourceExpiryPolicy(p ExpiryPolicy) LinkOption {
	return func(l *link) error {
		err := encoding.ValidateExpiryPolicy(p)
		if err != nil {
			return err
		}
		if l.source == nil {
			l.source = new(frames.Source)
		}
		l.source.ExpiryPolicy = p
		return nil
	}
}

// LinkSourceTimeout sets the duration in seconds that an expiring
// source will be retained.
func LinkSourceTimeout(timeout uint32) LinkOption {
	return func(l *link) error {
		if l.source == nil {
			l.source = new(frames.Source)
		}
		l.source.Timeout = timeout
		return nil
	}
}

// LinkTargetDurability sets the target durability policy.
//
// Default: DurabilityNone.
func LinkTargetDurability(d Durability) LinkOption {
	return func(l *link) error {
		if d > DurabilityUnsettledState {
			return errors.Errorf("invalid Durability %d", d)
		}
		if l.target == nil {
			l.target = new(frames.Target)
		}
		l.target.Durable = d
		return nil
	}
}

// LinkTargetExpiryPolicy sets the target expiration policy.
//
// Default: ExpirySessionEnd.
func LinkTargetExpiryPolicy(p ExpiryPolicy) LinkOption {
	return func(l *link) error {
		err := encoding.ValidateExpiryPolicy(p)
		if err != nil {
			return err
		}
		if l.target == nil {
			l.target = new(frames.Target)
		}
		l.target.ExpiryPolicy = p
		return nil
	}
}

// LinkTargetTimeout sets the duration in seconds that an expiring
// target will be retained.
func LinkTargetTimeout(timeout uint32) LinkOption {
	return func(l *link) error {
		if l.target == nil {
			l.target = new(frames.Target)
		}
		l.target.Timeout = timeout
		return nil
	}
}

// LinkMaxMessageSize sets the maximum message size that can
// be sent or received on the link.
//
// A size of zero indicates no limit.
//
// Default: 0 (unlimited)
func LinkMaxMessageSize(size uint64) LinkOption {
	return func(l *link) error {
		l.maxMessageSize = size
		return nil
	}
}

// LinkUnsettled supplies the delivery-tag state map from a previous
// incarnation of this link, enabling link resumption. A Send whose
// message carries a delivery tag still in this map goes out with the
// resume flag; the link does not re-send deliveries by itself. Entries
// also present in the peer's map take the receiver's state as
// authoritative.
func LinkUnsettled(u *Unsettled) LinkOption {
	return func(l *link) error {
		l.localUnsettled = u
		return nil
	}
}
