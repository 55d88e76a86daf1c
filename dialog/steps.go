package dialog

import (
	"github.com/room4-2/bookingline/conversation"
	"github.com/room4-2/bookingline/validate"
)

// check is the verdict of a validator on one value. available is only set
// for fields that have a catalog.
type check struct {
	ok        bool
	available *bool
}

type step struct {
	id    conversation.Step
	field conversation.Field
	check func(v *validate.Validator, value string) check
	next  conversation.Step
}

func plain(fn func(*validate.Validator, string) bool) func(*validate.Validator, string) check {
	return func(v *validate.Validator, value string) check {
		return check{ok: fn(v, value)}
	}
}

func catalogued(fn func(*validate.Validator, string) (bool, bool)) func(*validate.Validator, string) check {
	return func(v *validate.Validator, value string) check {
		ok, available := fn(v, value)
		return check{ok: ok, available: &available}
	}
}

// steps is the whole collection sequence, in order.
var steps = []step{
	{conversation.StepCollectName, conversation.FieldName, plain((*validate.Validator).Name), conversation.StepCollectPhone},
	{conversation.StepCollectPhone, conversation.FieldPhone, plain((*validate.Validator).Phone), conversation.StepCollectAddress},
	{conversation.StepCollectAddress, conversation.FieldAddress, plain((*validate.Validator).Address), conversation.StepCollectService},
	{conversation.StepCollectService, conversation.FieldService, catalogued((*validate.Validator).Service), conversation.StepCollectTime},
	{conversation.StepCollectTime, conversation.FieldTime, catalogued((*validate.Validator).Time), conversation.StepCompleted},
}

func lookup(id conversation.Step) (step, bool) {
	for _, s := range steps {
		if s.id == id {
			return s, true
		}
	}
	return step{}, false
}

// setAvailability records the catalog verdict for service and time.
func setAvailability(s *conversation.State, f conversation.Field, available bool) {
	switch f {
	case conversation.FieldService:
		s.ServiceAvailable = available
	case conversation.FieldTime:
		s.TimeAvailable = available
	}
}
