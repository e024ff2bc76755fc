package client

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("parseHost", func() {
	It("accepts a bare address with no port", func() {
		addr, port, err := parseHost("controller.internal")
		Expect(err).To(Succeed())
		Expect(addr).To(Equal("controller.internal"))
		Expect(port).To(Equal(uint16(0)))
	})

	It("accepts addr:port", func() {
		addr, port, err := parseHost("controller.internal:7247")
		Expect(err).To(Succeed())
		Expect(addr).To(Equal("controller.internal"))
		Expect(port).To(Equal(uint16(7247)))
	})

	It("accepts a bracketed IPv6 literal with no port", func() {
		addr, port, err := parseHost("[::1]")
		Expect(err).To(Succeed())
		Expect(addr).To(Equal("::1"))
		Expect(port).To(Equal(uint16(0)))
	})

	It("accepts a bracketed IPv6 literal with a port", func() {
		addr, port, err := parseHost("[::1]:7247")
		Expect(err).To(Succeed())
		Expect(addr).To(Equal("::1"))
		Expect(port).To(Equal(uint16(7247)))
	})

	It("accepts a bare IPv6 literal with no port", func() {
		addr, port, err := parseHost("fe80::1:2:3")
		Expect(err).To(Succeed())
		Expect(addr).To(Equal("fe80::1:2:3"))
		Expect(port).To(Equal(uint16(0)))
	})

	It("rejects an empty host", func() {
		_, _, err := parseHost("")
		Expect(err).To(HaveOccurred())
		Expect(err).To(BeAssignableToTypeOf(&ConfigError{}))
	})

	It("rejects an unterminated bracket", func() {
		_, _, err := parseHost("[::1")
		Expect(err).To(HaveOccurred())
	})

	It("rejects an explicit port of 0", func() {
		_, _, err := parseHost("controller.internal:0")
		Expect(err).To(HaveOccurred())
	})

	It("rejects a port above 65535", func() {
		_, _, err := parseHost("controller.internal:70000")
		Expect(err).To(HaveOccurred())
	})

	It("rejects a non-numeric port", func() {
		_, _, err := parseHost("controller.internal:abc")
		Expect(err).To(HaveOccurred())
	})

	It("rejects a bracketed address that isn't a valid IP", func() {
		_, _, err := parseHost("[not-an-ip]:7247")
		Expect(err).To(HaveOccurred())
	})

	It("rejects a missing port after a trailing colon", func() {
		_, _, err := parseHost("controller.internal:")
		Expect(err).To(HaveOccurred())
	})
})
