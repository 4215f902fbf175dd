package opserve

import (
	"errors"
	"testing"

	"github.com/albertbausili/opserve/internal/h1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type orderInput struct {
	ID       string `json:"-"`
	Item     string `json:"item" validate:"required"`
	Quantity int    `json:"quantity" validate:"min=1,max=10"`
	Priority string `json:"priority" validate:"omitempty,oneof=low high"`
}

func (o *orderInput) BindPath(params PathParams) error {
	id, err := params.Require("id")
	o.ID = id
	return err
}

type rangeInput struct {
	From int `json:"from"`
	To   int `json:"to"`
}

func (r rangeInput) Validate() error {
	if r.To < r.From {
		return &ValidationError{Reason: "to must not precede from"}
	}
	return nil
}

func call(body string, params PathParams) *Call {
	return &Call{Head: &h1.Head{Method: "POST"}, Body: []byte(body), Params: params}
}

func TestJSONDecoder(t *testing.T) {
	dec := JSONDecoder[orderInput]{}

	in, err := dec.Decode(call(`{"item":"tea","quantity":2}`, PathParams{"id": "o-1"}))
	require.NoError(t, err)
	assert.Equal(t, orderInput{ID: "o-1", Item: "tea", Quantity: 2}, in)

	in, err = dec.Decode(call("", PathParams{"id": "o-2"}))
	require.NoError(t, err, "empty body leaves the zero value")
	assert.Equal(t, orderInput{ID: "o-2"}, in)
}

func TestJSONDecoder_Failures(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		params PathParams
		kind   DecodingFaultKind
	}{
		{"truncated", `{"item":`, PathParams{"id": "1"}, FaultDataCorrupted},
		{"wrong type", `{"quantity":"two"}`, PathParams{"id": "1"}, FaultTypeMismatch},
		{"missing path parameter", `{}`, nil, FaultMissingField},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := JSONDecoder[orderInput]{}.Decode(call(tt.body, tt.params))
			var de *DecodingError
			require.ErrorAs(t, err, &de)
			assert.Equal(t, tt.kind, de.Kind)
			assert.NotEmpty(t, de.Reason)
		})
	}
}

type slugInput struct{ Slug string }

func (s *slugInput) BindPath(params PathParams) error {
	if params.Get("slug") == "" {
		return errors.New("slug is blank")
	}
	s.Slug = params.Get("slug")
	return nil
}

func TestJSONDecoder_BinderError(t *testing.T) {
	_, err := JSONDecoder[slugInput]{}.Decode(call("", PathParams{}))
	var de *DecodingError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, FaultUnexpected, de.Kind)
	assert.Equal(t, "slug is blank", de.Reason)
}

func TestStructValidator(t *testing.T) {
	tests := []struct {
		name   string
		in     orderInput
		reason string
	}{
		{"valid", orderInput{Item: "tea", Quantity: 1}, ""},
		{"required", orderInput{Quantity: 1}, "field item required"},
		{"below min", orderInput{Item: "tea"}, "field quantity must be at least 1"},
		{"above max", orderInput{Item: "tea", Quantity: 11}, "field quantity must be at most 10"},
		{"oneof", orderInput{Item: "tea", Quantity: 1, Priority: "urgent"}, "field priority must be one of [low high]"},
		{"several", orderInput{Priority: "urgent"}, "field item required; field quantity must be at least 1; field priority must be one of [low high]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := StructValidator[orderInput]{}.Validate(tt.in)
			if tt.reason == "" {
				assert.NoError(t, err)
				return
			}
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.reason, ve.Reason)
		})
	}
}

func TestStructValidator_ValidatableRunsFirst(t *testing.T) {
	err := StructValidator[rangeInput]{}.Validate(rangeInput{From: 5, To: 1})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "to must not precede from", ve.Reason)

	assert.NoError(t, StructValidator[rangeInput]{}.Validate(rangeInput{From: 1, To: 5}))
}

func TestStructValidator_NonStructPasses(t *testing.T) {
	assert.NoError(t, StructValidator[string]{}.Validate("anything"))
	assert.NoError(t, StructValidator[Empty]{}.Validate(Empty{}))
}

func TestEncoders(t *testing.T) {
	body, ct, err := JSONEncoder[map[string]int]{}.Encode(map[string]int{"n": 1})
	require.NoError(t, err)
	assert.Equal(t, "application/json", ct)
	assert.JSONEq(t, `{"n":1}`, string(body))

	body, ct, err = TextEncoder[string]{}.Encode("pong")
	require.NoError(t, err)
	assert.Equal(t, "text/plain; charset=utf-8", ct)
	assert.Equal(t, "pong", string(body))

	body, ct, err = EmptyEncoder{}.Encode(Empty{})
	require.NoError(t, err)
	assert.Empty(t, ct)
	assert.Nil(t, body)

	_, _, err = JSONEncoder[chan int]{}.Encode(make(chan int))
	assert.Error(t, err)
}

func TestValidationError_Message(t *testing.T) {
	assert.Equal(t, "validation failed", (&ValidationError{}).Error())
	assert.Equal(t, "bad", (&ValidationError{Reason: "bad"}).Error())
}
