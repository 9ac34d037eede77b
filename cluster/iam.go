package cluster

import "fmt"

type PolicyDocument struct {
	Version   string
	Statement []StatementEntry
}

type StatementEntry struct {
	Effect    string
	Action    []string
	Principal map[string][]string `json:",omitempty"`
	Resource  []string            `json:",omitempty"`
}

// Lets EC2 instances assume the role.
func ec2AssumeRolePolicy() PolicyDocument {
	return PolicyDocument{
		Version: "2012-10-17",
		Statement: []StatementEntry{{
			Effect:    "Allow",
			Action:    []string{"sts:AssumeRole"},
			Principal: map[string][]string{"Service": {"ec2.amazonaws.com"}},
		}},
	}
}

// Grants read and write access to the objects of each bucket, e.g. for shipping results off the nodes.
func s3AccessPolicy(buckets []string) PolicyDocument {
	resources := []string{}
	for _, bucket := range buckets {
		resources = append(resources, fmt.Sprintf("arn:aws:s3:::%s", bucket), fmt.Sprintf("arn:aws:s3:::%s/*", bucket))
	}
	return PolicyDocument{
		Version: "2012-10-17",
		Statement: []StatementEntry{{
			Effect:   "Allow",
			Action:   []string{"s3:GetObject", "s3:PutObject", "s3:ListBucket"},
			Resource: resources,
		}},
	}
}
