package mediabackend

import (
	"encoding/xml"
	"fmt"
)

const (
	xsString        = "http://www.w3.org/2001/XMLSchema#string"
	fnStringEqual   = "urn:oasis:names:tc:xacml:1.0:function:string-equal"
	fnStringIsIn    = "urn:oasis:names:tc:xacml:1.0:function:string-is-in"
	attrResourceID  = "urn:oasis:names:tc:xacml:1.0:resource:resource-id"
	attrActionID    = "urn:oasis:names:tc:xacml:1.0:action:action-id"
	attrSubjectRole = "urn:oasis:names:tc:xacml:2.0:subject:role"
)

type attributeValue struct {
	DataType string `xml:"DataType,attr"`
	Value    string `xml:",chardata"`
}

type designator struct {
	AttributeID string `xml:"AttributeId,attr"`
	DataType    string `xml:"DataType,attr"`
}

type resourceMatch struct {
	MatchID    string         `xml:"MatchId,attr"`
	Value      attributeValue `xml:"AttributeValue"`
	Designator designator     `xml:"ResourceAttributeDesignator"`
}

type actionMatch struct {
	MatchID    string         `xml:"MatchId,attr"`
	Value      attributeValue `xml:"AttributeValue"`
	Designator designator     `xml:"ActionAttributeDesignator"`
}

type policyTarget struct {
	Resource resourceMatch `xml:"Resources>Resource>ResourceMatch"`
}

type ruleTarget struct {
	Action actionMatch `xml:"Actions>Action>ActionMatch"`
}

type condition struct {
	FunctionID string         `xml:"FunctionId,attr"`
	Value      attributeValue `xml:"AttributeValue"`
	Designator designator     `xml:"SubjectAttributeDesignator"`
}

type rule struct {
	RuleID    string      `xml:"RuleId,attr"`
	Effect    string      `xml:"Effect,attr"`
	Target    *ruleTarget `xml:"Target,omitempty"`
	Condition *condition  `xml:"Condition>Apply,omitempty"`
}

type policy struct {
	XMLName      xml.Name     `xml:"Policy"`
	XMLNS        string       `xml:"xmlns,attr"`
	PolicyID     string       `xml:"PolicyId,attr"`
	Version      string       `xml:"Version,attr"`
	RuleCombAlgo string       `xml:"RuleCombiningAlgId,attr"`
	Target       policyTarget `xml:"Target"`
	Rules        []rule       `xml:"Rule"`
}

// EpisodeACL renders the rules as an XACML policy bound to the package.
func EpisodeACL(packageID string, rules []ACLRule) ([]byte, error) {
	doc := policy{
		XMLNS:        "urn:oasis:names:tc:xacml:2.0:policy:schema:os",
		PolicyID:     "mediapackage-" + packageID,
		Version:      "2.0",
		RuleCombAlgo: "urn:oasis:names:tc:xacml:1.0:rule-combining-algorithm:permit-overrides",
		Target: policyTarget{Resource: resourceMatch{
			MatchID:    fnStringEqual,
			Value:      attributeValue{DataType: xsString, Value: packageID},
			Designator: designator{AttributeID: attrResourceID, DataType: xsString},
		}},
	}
	for _, r := range rules {
		effect := "Deny"
		if r.Allow {
			effect = "Permit"
		}
		doc.Rules = append(doc.Rules, rule{
			RuleID: fmt.Sprintf("%s_%s_%s", r.Role, r.Action, effect),
			Effect: effect,
			Target: &ruleTarget{Action: actionMatch{
				MatchID:    fnStringEqual,
				Value:      attributeValue{DataType: xsString, Value: r.Action},
				Designator: designator{AttributeID: attrActionID, DataType: xsString},
			}},
			Condition: &condition{
				FunctionID: fnStringIsIn,
				Value:      attributeValue{DataType: xsString, Value: r.Role},
				Designator: designator{AttributeID: attrSubjectRole, DataType: xsString},
			},
		})
	}
	doc.Rules = append(doc.Rules, rule{RuleID: "DenyRule", Effect: "Deny"})

	body, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to render acl: %w", err)
	}
	return append([]byte(xml.Header), body...), nil
}
