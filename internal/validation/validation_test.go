package validation_test

import (
	"errors"
	"fmt"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/sensor-monitor/internal/validation"
)

var _ = Describe("Error", func() {
	It("should name the field and reason", func() {
		err := validation.New("hours", "must be a positive integer")
		Expect(err.Error()).To(Equal("invalid hours: must be a positive integer"))
	})

	It("should be detected through wrapping", func() {
		wrapped := fmt.Errorf("query readings: %w", validation.New("window", "must be positive"))
		Expect(validation.IsValidation(wrapped)).To(BeTrue())

		var v *validation.Error
		Expect(errors.As(wrapped, &v)).To(BeTrue())
		Expect(v.Field).To(Equal("window"))
	})

	It("should not match unrelated errors", func() {
		Expect(validation.IsValidation(errors.New("boom"))).To(BeFalse())
		Expect(validation.IsValidation(nil)).To(BeFalse())
	})
})
