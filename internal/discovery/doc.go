// Package discovery finds radio bridges on the local network via mDNS.
// Bridges advertise as "_tuyalink-bridge._tcp" services with the fronted device's
// uuid and devid in their TXT records.
package discovery
