// Package propertyset decodes UPnP event payloads.
//
// Devices deliver state changes as a GENA property set: a namespaced
// <propertyset> root holding one <property> per change, each wrapping a
// single element named after the changed variable:
//
//	<e:propertyset xmlns:e="urn:schemas-upnp-org:event-1-0">
//	  <e:property><BinaryState>1</BinaryState></e:property>
//	  <e:property><attributeList>&lt;attribute&gt;...</attributeList></e:property>
//	</e:propertyset>
//
// Parse turns such a document into an ordered Update. Order matters: the
// dispatcher delivers each property as a discrete event in payload order.
//
// # Tolerance
//
// Payloads come from devices on the local network and are treated as
// untrusted. The outer document must be well formed with the expected root,
// otherwise Parse returns a *ParseError. Inside that envelope the parser is
// lenient: unknown property names are kept verbatim, and an attributeList
// whose embedded fragment is not valid XML degrades to its raw text instead
// of failing the whole update.
package propertyset
