package sms

import (
	"errors"

	"github.com/nyaruka/phonenumbers"
)

// ErrInvalidPhoneNumber is returned when a sender number cannot be parsed or validated.
var ErrInvalidPhoneNumber = errors.New("invalid phone number")

// NormalizePhone parses and validates a sender number, returning E.164.
// Twilio expects the From number in international form, so a '+' prefix is
// required and no default region is applied.
func NormalizePhone(input string) (string, error) {
	plusCount := 0
	for _, r := range input {
		switch {
		case r == '+':
			plusCount++
		case r >= '0' && r <= '9', r == ' ', r == '-', r == '(', r == ')', r == '.', r == '/':
		default:
			return "", ErrInvalidPhoneNumber
		}
	}
	if plusCount != 1 || input[0] != '+' {
		return "", ErrInvalidPhoneNumber
	}

	num, err := phonenumbers.Parse(input, "")
	if err != nil {
		return "", ErrInvalidPhoneNumber
	}
	if !phonenumbers.IsValidNumber(num) {
		return "", ErrInvalidPhoneNumber
	}
	return phonenumbers.Format(num, phonenumbers.E164), nil
}

// PhoneCountry returns the ISO 3166-1 alpha-2 region of an E.164 number,
// or "" if parsing fails.
func PhoneCountry(phone string) string {
	num, err := phonenumbers.Parse(phone, "")
	if err != nil {
		return ""
	}
	return phonenumbers.GetRegionCodeForNumber(num)
}
